// Package protocol defines the request/response shapes exchanged between a
// parent bot and a skill, independent of the channel carrying them.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Verbs used on the skill channel.
const (
	VerbGet    = http.MethodGet
	VerbPost   = http.MethodPost
	VerbPut    = http.MethodPut
	VerbDelete = http.MethodDelete
)

// Request is one call on the skill channel.
type Request struct {
	Verb           string          `json:"verb"`
	Path           string          `json:"path"`
	ConversationID string          `json:"conversationId,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// Response answers a Request.
type Response struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// ActivityPath returns the path addressing an activity.
func ActivityPath(activityID string) string {
	return "/activities/" + activityID
}

// NewRequest builds a request with v marshalled as its body. A nil v leaves
// the body empty.
func NewRequest(verb, path, conversationID string, v any) (*Request, error) {
	req := &Request{Verb: verb, Path: path, ConversationID: conversationID}
	if v != nil {
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s body: %w", verb, path, err)
		}
		req.Body = body
	}
	return req, nil
}

// ReadBody unmarshals the request body into v.
func (r *Request) ReadBody(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%s %s: empty body", r.Verb, r.Path)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%s %s: decode body: %w", r.Verb, r.Path, err)
	}
	return nil
}

// NewResponse builds a response with v marshalled as its body.
func NewResponse(status int, v any) *Response {
	resp := &Response{StatusCode: status}
	if v != nil {
		if body, err := json.Marshal(v); err == nil {
			resp.Body = body
		} else {
			resp.StatusCode = http.StatusInternalServerError
		}
	}
	return resp
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ReadBody unmarshals the response body into v. An empty body leaves v
// untouched and reports false.
func (r *Response) ReadBody(v any) (bool, error) {
	if len(r.Body) == 0 || string(r.Body) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return false, fmt.Errorf("decode response body: %w", err)
	}
	return true, nil
}

// FrameType distinguishes requests from responses on a multiplexed channel.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
)

// Frame is the unit written to a bidirectional channel. Requests and their
// responses share the same ID.
type Frame struct {
	Type     FrameType `json:"type"`
	ID       string    `json:"id"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}
