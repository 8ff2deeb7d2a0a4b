package calling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/protocol"
	"github.com/nidhogg/skillrelay/internal/router"
	"github.com/nidhogg/skillrelay/internal/telemetry"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// seenCapacity bounds the per-handler idempotence cache.
const seenCapacity = 256

// RequestHandler interprets requests sent by a skill and applies them to the
// parent turn it was created for. Authentication is expected to have
// happened when the channel was set up.
type RequestHandler struct {
	tc        *turn.Context
	callbacks Callbacks
	router    *router.Router
	seen      *lru.Cache[string, activity.ResourceResponse]
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	eoc      *activity.Activity
	err      error
	detached bool
}

// NewRequestHandler creates a handler bound to the parent turn tc.
func NewRequestHandler(tc *turn.Context, callbacks Callbacks, logger *zap.Logger, metrics *telemetry.Metrics) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, _ := lru.New[string, activity.ResourceResponse](seenCapacity)
	h := &RequestHandler{
		tc:        tc,
		callbacks: callbacks,
		seen:      seen,
		logger:    logger.With(zap.String("component", "skill-request-handler")),
		metrics:   metrics,
	}
	h.router = router.New(
		router.Route{Method: protocol.VerbPost, Template: "/activities/{activityId}", Action: h.postActivity},
		router.Route{Method: protocol.VerbPut, Template: "/activities/{activityId}", Action: h.putActivity},
		router.Route{Method: protocol.VerbDelete, Template: "/activities/{activityId}", Action: h.deleteActivity},
	)
	return h
}

// TurnContext returns the parent turn this handler writes to.
func (h *RequestHandler) TurnContext() *turn.Context { return h.tc }

// EndOfConversation returns the end-of-conversation activity the skill sent,
// if any.
func (h *RequestHandler) EndOfConversation() *activity.Activity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eoc
}

// Err returns the first configuration error raised while serving the skill.
func (h *RequestHandler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Detach marks the end of the forward call that installed the handler.
// Later end-of-conversation activities go to the EndOfConversation
// callback.
func (h *RequestHandler) Detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached = true
}

// ProcessRequest routes req and runs the matching action. Unroutable
// requests yield 404 and action failures 500. Configuration errors also
// produce 500 and are returned so the caller fails loudly.
func (h *RequestHandler) ProcessRequest(ctx context.Context, req *protocol.Request) (resp *protocol.Response, err error) {
	rc, ok := h.router.Route(req)
	if !ok {
		verb, path := "", ""
		if req != nil {
			verb, path = req.Verb, req.Path
		}
		h.logger.Warn("no route for skill request", zap.String("verb", verb), zap.String("path", path))
		h.metrics.InboundRequest(verb, http.StatusNotFound)
		return protocol.NewResponse(http.StatusNotFound, nil), nil
	}

	name := rc.Route.Method + " " + rc.Route.Template
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("skill request action panicked", zap.String("route", name), zap.Any("panic", r))
			h.metrics.HandlerError(name)
			resp, err = protocol.NewResponse(http.StatusInternalServerError, nil), nil
		}
		h.metrics.InboundRequest(req.Verb, resp.StatusCode)
	}()

	resp, err = rc.Route.Action(ctx, req, rc.Params)
	if err != nil {
		h.metrics.HandlerError(name)
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			h.mu.Lock()
			if h.err == nil {
				h.err = err
			}
			h.mu.Unlock()
			h.logger.Error("skill request needs a missing parent capability",
				zap.String("route", name), zap.String("capability", cfgErr.Capability))
			return protocol.NewResponse(http.StatusInternalServerError, nil), err
		}
		h.logger.Error("skill request action failed", zap.String("route", name), zap.Error(err))
		return protocol.NewResponse(http.StatusInternalServerError, nil), nil
	}
	if resp == nil {
		resp = protocol.NewResponse(http.StatusOK, nil)
	}
	return resp, nil
}

func (h *RequestHandler) postActivity(ctx context.Context, req *protocol.Request, params map[string]string) (*protocol.Response, error) {
	var act activity.Activity
	if err := req.ReadBody(&act); err != nil {
		return nil, err
	}
	if act.ID == "" {
		act.ID = params["activityId"]
	}
	if ack, ok := h.seen.Get(act.ID); ok {
		h.metrics.DuplicateInbound()
		h.logger.Debug("duplicate skill activity", zap.String("activity_id", act.ID))
		return protocol.NewResponse(http.StatusOK, ack), nil
	}

	ack, err := h.dispatch(ctx, &act)
	if err != nil {
		return nil, err
	}
	h.seen.Add(act.ID, ack)
	return protocol.NewResponse(http.StatusOK, ack), nil
}

func (h *RequestHandler) dispatch(ctx context.Context, act *activity.Activity) (activity.ResourceResponse, error) {
	ack := activity.ResourceResponse{ID: act.ID}
	switch k := activity.Classify(act).(type) {
	case activity.Event:
		switch k.Name {
		case activity.EventTokenRequest:
			return ack, h.callbacks.TokenRequest.call(ctx, capabilityTokenRequest, h.tc, act)
		case activity.EventFallback:
			return ack, h.callbacks.Fallback.call(ctx, capabilityFallback, h.tc, act)
		}
		return h.deliver(ctx, act)
	case activity.Handoff:
		if !h.callbacks.Handoff.Registered() {
			return ack, &ConfigError{Capability: capabilityHandoff, Err: ErrMissingHandler}
		}
		ack, err := h.deliver(ctx, act)
		if err != nil {
			return ack, err
		}
		return ack, h.callbacks.Handoff.call(ctx, capabilityHandoff, h.tc, act)
	case activity.EndOfConversation:
		h.mu.Lock()
		h.eoc = act
		detached := h.detached
		h.mu.Unlock()
		if detached && h.callbacks.EndOfConversation.Registered() {
			return ack, h.callbacks.EndOfConversation.fn(ctx, h.tc, act)
		}
		return ack, nil
	case activity.Trace:
		if h.tc.Activity.ChannelID != activity.ChannelEmulator {
			return ack, nil
		}
		return h.deliver(ctx, act)
	default:
		return h.deliver(ctx, act)
	}
}

// deliver sends a skill activity into the parent conversation.
func (h *RequestHandler) deliver(ctx context.Context, act *activity.Activity) (activity.ResourceResponse, error) {
	out := act.Clone()
	out.ID = ""
	out.ApplyConversationReference(h.tc.Activity.ConversationReference(), false)
	rr, err := h.tc.SendActivity(ctx, out)
	if err != nil {
		return activity.ResourceResponse{}, fmt.Errorf("deliver skill activity %s: %w", act.ID, err)
	}
	return *rr, nil
}

func (h *RequestHandler) putActivity(ctx context.Context, req *protocol.Request, params map[string]string) (*protocol.Response, error) {
	var act activity.Activity
	if err := req.ReadBody(&act); err != nil {
		return nil, err
	}
	act.ID = params["activityId"]
	rr, err := h.tc.UpdateActivity(ctx, &act)
	if err != nil {
		return nil, fmt.Errorf("update activity %s: %w", act.ID, err)
	}
	return protocol.NewResponse(http.StatusOK, rr), nil
}

func (h *RequestHandler) deleteActivity(ctx context.Context, _ *protocol.Request, params map[string]string) (*protocol.Response, error) {
	id := params["activityId"]
	if err := h.tc.DeleteActivity(ctx, id); err != nil {
		return nil, fmt.Errorf("delete activity %s: %w", id, err)
	}
	return protocol.NewResponse(http.StatusOK, nil), nil
}
