package skillserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/protocol"
	"github.com/nidhogg/skillrelay/internal/turn"
)

var errSessionClosed = errors.New("parent channel closed")

// Server is the skill side of the websocket channel. Each inbound activity
// from the parent runs as a turn through the pipeline; activities the turn
// sends go back to the parent as POST/PUT/DELETE /activities/{id} requests.
type Server struct {
	gate     *auth.Gate
	pipeline *turn.Pipeline
	handler  turn.Handler
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a server running h behind mw. A nil gate accepts every
// caller.
func New(h turn.Handler, gate *auth.Gate, logger *zap.Logger, mw ...turn.Middleware) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		gate:     gate,
		pipeline: turn.NewPipeline(mw...),
		handler:  h,
		timeout:  30 * time.Second,
		logger:   logger.With(zap.String("component", "skill-server")),
	}
}

// ServeHTTP authenticates the parent and upgrades the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.gate != nil {
		if _, ok := s.gate.Authenticate(w, r); !ok {
			return
		}
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)

	sess := &session{
		server:  s,
		conn:    conn,
		pending: make(map[string]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	s.logger.Info("parent connected", zap.String("remote", r.RemoteAddr))
	sess.run(r.Context())
}

type session struct {
	server *Server
	conn   *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	done    chan struct{}
	closed  bool
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.server.logger.Debug("parent channel read ended", zap.Error(err))
			}
			s.conn.CloseNow()
			return
		}
		switch f.Type {
		case protocol.FrameRequest:
			go s.serve(ctx, f)
		case protocol.FrameResponse:
			s.mu.Lock()
			wait, ok := s.pending[f.ID]
			s.mu.Unlock()
			if ok {
				select {
				case wait <- f.Response:
				default:
				}
			}
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// serve runs one parent request as a skill turn.
func (s *session) serve(ctx context.Context, f protocol.Frame) {
	resp := s.handle(ctx, f.Request)
	writeCtx, cancel := context.WithTimeout(ctx, s.server.timeout)
	defer cancel()
	out := protocol.Frame{Type: protocol.FrameResponse, ID: f.ID, Response: resp}
	if err := wsjson.Write(writeCtx, s.conn, out); err != nil {
		s.server.logger.Warn("write response failed", zap.Error(err))
	}
}

func (s *session) handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req == nil || req.Verb != protocol.VerbPost {
		return protocol.NewResponse(http.StatusNotFound, nil)
	}
	var act activity.Activity
	if err := req.ReadBody(&act); err != nil {
		return protocol.NewResponse(http.StatusBadRequest, nil)
	}

	tc := turn.NewContext(s, &act)
	if err := s.server.pipeline.Run(ctx, tc, s.server.handler); err != nil {
		s.server.logger.Error("skill turn failed",
			zap.String("conversation", act.Conversation.ID), zap.String("type", string(act.Type)), zap.Error(err))
		return protocol.NewResponse(http.StatusInternalServerError, nil)
	}
	return protocol.NewResponse(http.StatusOK, nil)
}

// call sends a request to the parent and waits for its answer.
func (s *session) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.server.timeout)
	defer cancel()

	id := uuid.New().String()
	wait := make(chan *protocol.Response, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	s.pending[id] = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, s.conn, protocol.Frame{Type: protocol.FrameRequest, ID: id, Request: req}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	select {
	case resp := <-wait:
		if resp == nil {
			return nil, errors.New("empty response frame")
		}
		if !resp.IsSuccess() {
			return resp, fmt.Errorf("parent answered %s %s with status %d", req.Verb, req.Path, resp.StatusCode)
		}
		return resp, nil
	case <-s.done:
		return nil, errSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// The session is the turn.Adapter of every skill turn it runs.

func (s *session) SendActivities(ctx context.Context, _ *turn.Context, acts []*activity.Activity) ([]activity.ResourceResponse, error) {
	out := make([]activity.ResourceResponse, 0, len(acts))
	for _, a := range acts {
		id := a.EnsureID()
		req, err := protocol.NewRequest(protocol.VerbPost, protocol.ActivityPath(id), a.Conversation.ID, a)
		if err != nil {
			return out, err
		}
		resp, err := s.call(ctx, req)
		if err != nil {
			return out, err
		}
		rr := activity.ResourceResponse{ID: id}
		if _, err := resp.ReadBody(&rr); err != nil {
			return out, err
		}
		out = append(out, rr)
	}
	return out, nil
}

func (s *session) UpdateActivity(ctx context.Context, _ *turn.Context, act *activity.Activity) (*activity.ResourceResponse, error) {
	req, err := protocol.NewRequest(protocol.VerbPut, protocol.ActivityPath(act.ID), act.Conversation.ID, act)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	rr := &activity.ResourceResponse{ID: act.ID}
	if _, err := resp.ReadBody(rr); err != nil {
		return nil, err
	}
	return rr, nil
}

func (s *session) DeleteActivity(ctx context.Context, _ *turn.Context, ref activity.ConversationReference) error {
	_, err := s.call(ctx, &protocol.Request{
		Verb:           protocol.VerbDelete,
		Path:           protocol.ActivityPath(ref.ActivityID),
		ConversationID: ref.Conversation.ID,
	})
	return err
}
