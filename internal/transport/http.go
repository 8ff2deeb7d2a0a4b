package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/telemetry"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// HTTPTransport posts activities to a skill's HTTP endpoint. The skill
// answers asynchronously by calling the host callback endpoint, where the
// request is routed to the handler registered for the conversation.
type HTTPTransport struct {
	client       *http.Client
	hostEndpoint string
	handlers     *calling.Registry
	logger       *zap.Logger
	metrics      *telemetry.Metrics
}

// NewHTTPTransport creates a transport whose callbacks reach the parent at
// hostEndpoint. A zero timeout means DefaultRequestTimeout. handlers must
// be the registry CallbackHandler serves from.
func NewHTTPTransport(hostEndpoint string, timeout time.Duration, handlers *calling.Registry, logger *zap.Logger, metrics *telemetry.Metrics) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if handlers == nil {
		handlers = calling.NewRegistry(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		client:       &http.Client{Timeout: timeout},
		hostEndpoint: hostEndpoint,
		handlers:     handlers,
		logger:       logger.With(zap.String("component", "http-transport")),
		metrics:      metrics,
	}
}

func (t *HTTPTransport) ForwardToSkill(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context, act *activity.Activity, callbacks calling.Callbacks) (*activity.Activity, error) {
	start := time.Now()
	out := outbound(tc, act)
	h := calling.NewRequestHandler(tc, callbacks, t.logger, t.metrics)
	t.handlers.Register(out.Conversation.ID, h)
	defer h.Detach()

	reply, err := t.post(ctx, m, creds, out)
	if cfgErr := h.Err(); cfgErr != nil {
		err = cfgErr
	}
	t.metrics.Forward(m.ID, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if reply != nil {
		return reply, nil
	}
	return h.EndOfConversation(), nil
}

func (t *HTTPTransport) CancelRemoteDialogs(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context) error {
	_, err := t.post(ctx, m, creds, cancelEvent(tc))
	return err
}

// Disconnect is a no-op; HTTP keeps no channel open.
func (t *HTTPTransport) Disconnect() error {
	t.client.CloseIdleConnections()
	return nil
}

// post sends act and returns the end-of-conversation the skill answered
// with, if any.
func (t *HTTPTransport) post(ctx context.Context, m *skill.Manifest, creds auth.Credentials, act *activity.Activity) (*activity.Activity, error) {
	act.ServiceURL = t.hostEndpoint
	body, err := json.Marshal(act)
	if err != nil {
		return nil, fmt.Errorf("marshal activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if creds != nil {
		token, err := creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("skill credentials: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Warn("skill returned error status",
			zap.String("skill", m.ID), zap.Int("status", resp.StatusCode), zap.ByteString("body", data))
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, StatusCode: resp.StatusCode}
	}

	var reply activity.Activity
	if len(bytes.TrimSpace(data)) > 0 && json.Unmarshal(data, &reply) == nil && reply.Type == activity.TypeEndOfConversation {
		return &reply, nil
	}
	return nil, nil
}
