package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	restPlatform     = "rest"
	restReplyBuffer  = 32
	restReplyTimeout = 60 * time.Second
)

// RESTAdapter ingests messages over HTTP. A request waits until its turn
// has been handled and returns every reply produced during the turn.
type RESTAdapter struct {
	handler  MessageHandler
	channels map[string]chan *OutboundMessage // conversation -> replies of the running turn
	timeout  time.Duration
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRESTAdapter creates a REST gateway adapter.
func NewRESTAdapter(logger *zap.Logger) *RESTAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTAdapter{
		channels: make(map[string]chan *OutboundMessage),
		timeout:  restReplyTimeout,
		logger:   logger.With(zap.String("component", "rest-gateway")),
	}
}

func (a *RESTAdapter) Platform() string { return restPlatform }

func (a *RESTAdapter) Connect(_ context.Context) error { return nil }

func (a *RESTAdapter) OnMessage(h MessageHandler) { a.handler = h }

func (a *RESTAdapter) Close() error { return nil }

// Send queues a reply for the request waiting on msg.ChannelID.
func (a *RESTAdapter) Send(_ context.Context, msg *OutboundMessage) (string, error) {
	a.mu.RLock()
	ch, ok := a.channels[msg.ChannelID]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no active channel: %s", msg.ChannelID)
	}
	select {
	case ch <- msg:
		return uuid.NewString(), nil
	default:
		return "", fmt.Errorf("channel %s buffer full", msg.ChannelID)
	}
}

// Routes returns a chi router with REST gateway endpoints.
func (a *RESTAdapter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.handleMessage)
	return r
}

type restRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	Content        string `json:"content"`
}

type restResponse struct {
	ConversationID string             `json:"conversation_id"`
	Messages       []*OutboundMessage `json:"messages"`
}

// handleMessage runs one turn for the posted message and returns its replies.
func (a *RESTAdapter) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req restRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	ch := make(chan *OutboundMessage, restReplyBuffer)
	a.mu.Lock()
	if _, busy := a.channels[convID]; busy {
		a.mu.Unlock()
		writeError(w, http.StatusConflict, "conversation has a turn in progress")
		return
	}
	a.channels[convID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.channels, convID)
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.handler != nil {
			a.handler(r.Context(), &InboundMessage{
				Platform:  restPlatform,
				ChannelID: convID,
				MessageID: uuid.NewString(),
				UserID:    req.UserID,
				UserName:  req.UserName,
				Content:   req.Content,
				Timestamp: time.Now(),
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(a.timeout):
		writeError(w, http.StatusGatewayTimeout, "response timeout")
		return
	case <-r.Context().Done():
		return
	}

	resp := restResponse{ConversationID: convID, Messages: []*OutboundMessage{}}
drain:
	for {
		select {
		case msg := <-ch:
			resp.Messages = append(resp.Messages, msg)
		default:
			break drain
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("write rest response failed", zap.Error(err))
	}
}

// Broadcast sends to all waiting REST requests.
func (a *RESTAdapter) Broadcast(_ context.Context, msg *BroadcastMessage) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, ch := range a.channels {
		select {
		case ch <- &OutboundMessage{
			Platform:  restPlatform,
			ChannelID: id,
			SkillID:   msg.SkillID,
			Content:   fmt.Sprintf("[%s] %s\n%s", msg.Type, msg.Title, msg.Content),
		}:
		default:
		}
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
