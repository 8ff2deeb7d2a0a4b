package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/protocol"
)

// CallbackPath is the route skills reaching the parent over HTTP call back
// on, relative to the host endpoint.
const CallbackPath = "/conversations/{conversationId}/activities/{activityId}"

// CallbackURL returns the address a skill posts activityID to.
func CallbackURL(hostEndpoint, conversationID, activityID string) string {
	return hostEndpoint + "/conversations/" + conversationID + "/activities/" + activityID
}

// CallbackHandler serves the host endpoint of HTTP skills. Each call is
// turned into a channel request and given to the handler registered for
// the conversation.
func CallbackHandler(handlers *calling.Registry, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "skill-callback"))

	serve := func(w http.ResponseWriter, r *http.Request) {
		convID := chi.URLParam(r, "conversationId")
		h, ok := handlers.Get(convID)
		if !ok {
			logger.Warn("no handler for skill callback", zap.String("conversation", convID))
			http.Error(w, "unknown conversation", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		req := &protocol.Request{
			Verb:           r.Method,
			Path:           protocol.ActivityPath(chi.URLParam(r, "activityId")),
			ConversationID: convID,
		}
		if len(body) > 0 {
			req.Body = json.RawMessage(body)
		}

		resp, err := h.ProcessRequest(r.Context(), req)
		if err != nil {
			logger.Error("skill callback failed", zap.String("conversation", convID), zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		if len(resp.Body) > 0 {
			w.Write(resp.Body)
		}
	}

	r := chi.NewRouter()
	r.Post(CallbackPath, serve)
	r.Put(CallbackPath, serve)
	r.Delete(CallbackPath, serve)
	return r
}
