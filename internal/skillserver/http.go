package skillserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// HTTPHandler serves the skill over plain HTTP. Each POST carries one
// activity; replies go back to the activity's serviceUrl, authenticated
// with creds when set.
func (s *Server) HTTPHandler(creds auth.Credentials) http.Handler {
	client := &http.Client{Timeout: s.timeout}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.gate != nil {
			if _, ok := s.gate.Authenticate(w, r); !ok {
				return
			}
		}
		var act activity.Activity
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&act); err != nil {
			http.Error(w, "invalid activity", http.StatusBadRequest)
			return
		}
		if act.ServiceURL == "" {
			http.Error(w, "activity has no serviceUrl", http.StatusBadRequest)
			return
		}

		adapter := &httpAdapter{client: client, serviceURL: strings.TrimRight(act.ServiceURL, "/"), creds: creds}
		tc := turn.NewContext(adapter, &act)
		if err := s.pipeline.Run(r.Context(), tc, s.handler); err != nil {
			s.logger.Error("skill turn failed",
				zap.String("conversation", act.Conversation.ID), zap.String("type", string(act.Type)), zap.Error(err))
			http.Error(w, "turn failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// httpAdapter sends skill activities to the parent's callback endpoint.
type httpAdapter struct {
	client     *http.Client
	serviceURL string
	creds      auth.Credentials
}

func (a *httpAdapter) url(conversationID, activityID string) string {
	return a.serviceURL + "/conversations/" + conversationID + "/activities/" + activityID
}

func (a *httpAdapter) do(ctx context.Context, method, url string, v any, out any) error {
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal activity: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.creds != nil {
		token, err := a.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("parent credentials: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("parent answered %s %s with status %d", method, url, resp.StatusCode)
	}
	if out != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode parent response: %w", err)
			}
		}
	}
	return nil
}

func (a *httpAdapter) SendActivities(ctx context.Context, _ *turn.Context, acts []*activity.Activity) ([]activity.ResourceResponse, error) {
	out := make([]activity.ResourceResponse, 0, len(acts))
	for _, act := range acts {
		id := act.EnsureID()
		rr := activity.ResourceResponse{ID: id}
		if err := a.do(ctx, http.MethodPost, a.url(act.Conversation.ID, id), act, &rr); err != nil {
			return out, err
		}
		out = append(out, rr)
	}
	return out, nil
}

func (a *httpAdapter) UpdateActivity(ctx context.Context, _ *turn.Context, act *activity.Activity) (*activity.ResourceResponse, error) {
	rr := &activity.ResourceResponse{ID: act.ID}
	if err := a.do(ctx, http.MethodPut, a.url(act.Conversation.ID, act.ID), act, rr); err != nil {
		return nil, err
	}
	return rr, nil
}

func (a *httpAdapter) DeleteActivity(ctx context.Context, _ *turn.Context, ref activity.ConversationReference) error {
	return a.do(ctx, http.MethodDelete, a.url(ref.Conversation.ID, ref.ActivityID), nil, nil)
}
