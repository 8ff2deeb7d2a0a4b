package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/protocol"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/telemetry"
	"github.com/nidhogg/skillrelay/internal/turn"
)

var errChannelClosed = errors.New("skill channel closed")

// WebSocketConfig tunes a WebSocketTransport.
type WebSocketConfig struct {
	// RequestTimeout bounds every forward call and every dial. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
	// DialAttempts is the number of connection attempts per dial. Zero
	// means 3.
	DialAttempts uint
	// ReadLimit caps a single frame. Zero means 1 MiB.
	ReadLimit int64
}

// WebSocketTransport keeps one persistent channel per skill endpoint and
// multiplexes every conversation over it. Frames are matched to their
// response by id; requests from the skill are routed to the handler
// installed for the frame's conversation.
type WebSocketTransport struct {
	cfg      WebSocketConfig
	handlers *calling.Registry
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	channels map[string]*channel
	dialing  map[string]*pendingDial
}

// pendingDial is a dial in progress. ch and err are set before done is
// closed.
type pendingDial struct {
	done chan struct{}
	ch   *channel
	err  error
}

// NewWebSocketTransport creates a transport. handlers may be shared with
// other transports; nil creates a private registry.
func NewWebSocketTransport(cfg WebSocketConfig, handlers *calling.Registry, logger *zap.Logger, metrics *telemetry.Metrics) *WebSocketTransport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 3
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if handlers == nil {
		handlers = calling.NewRegistry(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With(zap.String("component", "ws-transport")),
		metrics:  metrics,
		channels: make(map[string]*channel),
		dialing:  make(map[string]*pendingDial),
	}
}

// channel is one websocket connection to a skill endpoint.
type channel struct {
	endpoint string
	conn     *websocket.Conn
	cancel   context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	done    chan struct{}
	err     error
}

func (t *WebSocketTransport) ForwardToSkill(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context, act *activity.Activity, callbacks calling.Callbacks) (*activity.Activity, error) {
	start := time.Now()
	reply, err := t.forward(ctx, m, creds, tc, act, callbacks)
	t.metrics.Forward(m.ID, err, time.Since(start))
	return reply, err
}

func (t *WebSocketTransport) forward(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context, act *activity.Activity, callbacks calling.Callbacks) (*activity.Activity, error) {
	ch, err := t.channel(ctx, m, creds)
	if err != nil {
		return nil, err
	}

	out := outbound(tc, act)
	h := calling.NewRequestHandler(tc, callbacks, t.logger, t.metrics)
	t.handlers.Register(out.Conversation.ID, h)
	defer h.Detach()

	req, err := protocol.NewRequest(protocol.VerbPost, protocol.ActivityPath(out.ID), out.Conversation.ID, out)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("forwarding to skill",
		zap.String("skill", m.ID),
		zap.String("conversation", out.Conversation.ID),
		zap.String("type", string(out.Type)))

	resp, err := t.roundTrip(ctx, ch, req)
	if err != nil {
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: err}
	}
	if cfgErr := h.Err(); cfgErr != nil {
		return nil, cfgErr
	}
	if !resp.IsSuccess() {
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, StatusCode: resp.StatusCode}
	}

	var reply activity.Activity
	if ok, err := resp.ReadBody(&reply); err == nil && ok && reply.Type == activity.TypeEndOfConversation {
		return &reply, nil
	}
	return h.EndOfConversation(), nil
}

func (t *WebSocketTransport) CancelRemoteDialogs(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context) error {
	ch, err := t.channel(ctx, m, creds)
	if err != nil {
		return err
	}
	ev := cancelEvent(tc)
	req, err := protocol.NewRequest(protocol.VerbPost, protocol.ActivityPath(ev.ID), ev.Conversation.ID, ev)
	if err != nil {
		return err
	}
	resp, err := t.roundTrip(ctx, ch, req)
	if err != nil {
		return &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: err}
	}
	if !resp.IsSuccess() {
		return &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, StatusCode: resp.StatusCode}
	}
	return nil
}

func (t *WebSocketTransport) Disconnect() error {
	t.mu.Lock()
	chans := t.channels
	t.channels = make(map[string]*channel)
	t.mu.Unlock()

	for _, ch := range chans {
		ch.close(errChannelClosed)
		ch.conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	return nil
}

// channel returns the open channel for m's endpoint. When there is none,
// one dial per endpoint runs in the background and every caller waits for
// it, or for its own ctx.
func (t *WebSocketTransport) channel(ctx context.Context, m *skill.Manifest, creds auth.Credentials) (*channel, error) {
	t.mu.Lock()
	if ch, ok := t.channels[m.Endpoint]; ok && !ch.closed() {
		t.mu.Unlock()
		return ch, nil
	}
	pd, ok := t.dialing[m.Endpoint]
	if !ok {
		pd = &pendingDial{done: make(chan struct{})}
		t.dialing[m.Endpoint] = pd
		go t.open(context.WithoutCancel(ctx), m, creds, pd)
	}
	t.mu.Unlock()

	select {
	case <-pd.done:
		if pd.err != nil {
			return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: pd.err}
		}
		return pd.ch, nil
	case <-ctx.Done():
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: fmt.Errorf("waiting for skill channel: %w", ctx.Err())}
	}
}

// open dials m's endpoint, at most RequestTimeout, and publishes the result
// to pd.
func (t *WebSocketTransport) open(ctx context.Context, m *skill.Manifest, creds auth.Credentials, pd *pendingDial) {
	dialCtx, cancelDial := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	conn, err := t.dial(dialCtx, m, creds)
	cancelDial()

	var ch *channel
	var readCtx context.Context
	if err == nil {
		conn.SetReadLimit(t.cfg.ReadLimit)
		var cancel context.CancelFunc
		readCtx, cancel = context.WithCancel(context.Background())
		ch = &channel{
			endpoint: m.Endpoint,
			conn:     conn,
			cancel:   cancel,
			pending:  make(map[string]chan *protocol.Response),
			done:     make(chan struct{}),
		}
	}

	t.mu.Lock()
	delete(t.dialing, m.Endpoint)
	if ch != nil {
		t.channels[m.Endpoint] = ch
	}
	t.mu.Unlock()

	if ch != nil {
		go t.readLoop(readCtx, ch)
		t.logger.Info("skill channel opened", zap.String("skill", m.ID), zap.String("endpoint", m.Endpoint))
	}
	pd.ch, pd.err = ch, err
	close(pd.done)
}

func (t *WebSocketTransport) dial(ctx context.Context, m *skill.Manifest, creds auth.Credentials) (*websocket.Conn, error) {
	header := http.Header{}
	if creds != nil {
		token, err := creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("skill credentials: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	op := func() (*websocket.Conn, error) {
		conn, resp, err := websocket.Dial(ctx, m.Endpoint, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, backoff.Permanent(fmt.Errorf("skill rejected credentials: %w", err))
			}
			t.logger.Warn("skill dial failed", zap.String("endpoint", m.Endpoint), zap.Error(err))
			return nil, err
		}
		return conn, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(t.cfg.DialAttempts))
}

// roundTrip writes req and waits for its response, at most RequestTimeout.
func (t *WebSocketTransport) roundTrip(ctx context.Context, ch *channel, req *protocol.Request) (*protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	id := uuid.New().String()
	wait := make(chan *protocol.Response, 1)
	ch.mu.Lock()
	if ch.err != nil {
		err := ch.err
		ch.mu.Unlock()
		return nil, err
	}
	ch.pending[id] = wait
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		delete(ch.pending, id)
		ch.mu.Unlock()
	}()

	frame := protocol.Frame{Type: protocol.FrameRequest, ID: id, Request: req}
	if err := wsjson.Write(ctx, ch.conn, frame); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-wait:
		if resp == nil {
			return nil, errors.New("empty response frame")
		}
		return resp, nil
	case <-ch.done:
		return nil, ch.closeErr()
	case <-ctx.Done():
		return nil, fmt.Errorf("no answer within %s: %w", t.cfg.RequestTimeout, ctx.Err())
	}
}

func (t *WebSocketTransport) readLoop(ctx context.Context, ch *channel) {
	defer t.drop(ch)
	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, ch.conn, &f); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				ch.close(errChannelClosed)
			} else {
				t.logger.Warn("skill channel read failed", zap.String("endpoint", ch.endpoint), zap.Error(err))
				ch.close(fmt.Errorf("%w: %v", errChannelClosed, err))
			}
			return
		}

		switch f.Type {
		case protocol.FrameResponse:
			ch.mu.Lock()
			wait, ok := ch.pending[f.ID]
			ch.mu.Unlock()
			if !ok {
				t.logger.Debug("response for unknown request", zap.String("frame", f.ID))
				continue
			}
			select {
			case wait <- f.Response:
			default:
			}
		case protocol.FrameRequest:
			go t.serve(ctx, ch, f)
		default:
			t.logger.Warn("unknown frame type", zap.String("type", string(f.Type)))
		}
	}
}

// serve answers a request the skill sent over the channel.
func (t *WebSocketTransport) serve(ctx context.Context, ch *channel, f protocol.Frame) {
	resp := protocol.NewResponse(http.StatusNotFound, nil)
	if f.Request != nil {
		if h, ok := t.handlers.Get(f.Request.ConversationID); ok {
			var err error
			resp, err = h.ProcessRequest(ctx, f.Request)
			if err != nil {
				t.logger.Error("skill request failed", zap.String("conversation", f.Request.ConversationID), zap.Error(err))
			}
		} else {
			t.logger.Warn("no handler for skill request", zap.String("conversation", f.Request.ConversationID))
		}
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	out := protocol.Frame{Type: protocol.FrameResponse, ID: f.ID, Response: resp}
	if err := wsjson.Write(writeCtx, ch.conn, out); err != nil {
		t.logger.Warn("write response failed", zap.String("endpoint", ch.endpoint), zap.Error(err))
	}
}

// drop forgets ch so the next forward dials a fresh channel.
func (t *WebSocketTransport) drop(ch *channel) {
	ch.cancel()
	t.mu.Lock()
	if t.channels[ch.endpoint] == ch {
		delete(t.channels, ch.endpoint)
	}
	t.mu.Unlock()
}

func (c *channel) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *channel) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

func (c *channel) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
