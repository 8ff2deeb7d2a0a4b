package dialog

import (
	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/state"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// EndFunc runs before the middleware resets state for a terminating turn.
type EndFunc func(ctx context.Context, tc *turn.Context) error

// Middleware resets conversation bookkeeping when a conversation ends.
// On an end-of-conversation turn, or a cancelAllSkillDialogs event, it
// clears every state scope it was given, saves them immediately and ends
// the turn without running the rest of the pipeline.
type Middleware struct {
	states []*state.BotState
	onEnd  EndFunc
	logger *zap.Logger
}

// NewMiddleware creates the middleware. onEnd may be nil.
func NewMiddleware(logger *zap.Logger, onEnd EndFunc, states ...*state.BotState) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		states: states,
		onEnd:  onEnd,
		logger: logger.With(zap.String("component", "skill-middleware")),
	}
}

func (m *Middleware) OnTurn(ctx context.Context, tc *turn.Context, next func(context.Context) error) error {
	if !terminates(tc.Activity) {
		return next(ctx)
	}

	for _, s := range m.states {
		if err := s.Load(ctx, tc, false); err != nil {
			return err
		}
	}
	if m.onEnd != nil {
		if err := m.onEnd(ctx, tc); err != nil {
			m.logger.Warn("end hook failed", zap.String("conversation", tc.Activity.Conversation.ID), zap.Error(err))
		}
	}
	for _, s := range m.states {
		if err := s.Clear(tc); err != nil {
			return err
		}
		if err := s.SaveChanges(ctx, tc, true); err != nil {
			return err
		}
	}
	m.logger.Debug("conversation state reset",
		zap.String("conversation", tc.Activity.Conversation.ID), zap.String("type", string(tc.Activity.Type)))
	return nil
}

func terminates(a *activity.Activity) bool {
	switch k := activity.Classify(a).(type) {
	case activity.EndOfConversation:
		return true
	case activity.Event:
		return k.Name == activity.EventCancelAllSkillDialogs
	}
	return false
}
