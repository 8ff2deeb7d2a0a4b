package dialog

import (
	"fmt"
	"time"

	"github.com/nidhogg/skillrelay/internal/state"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// Status is the lifecycle state of a skill session.
type Status string

const (
	StatusNotStarted      Status = "notStarted"
	StatusActive          Status = "active"
	StatusWaitingForToken Status = "waitingForToken"
	StatusEnded           Status = "ended"
)

// validTransitions defines allowed state transitions. Ended is terminal.
var validTransitions = map[Status][]Status{
	StatusNotStarted:      {StatusActive},
	StatusActive:          {StatusWaitingForToken, StatusEnded},
	StatusWaitingForToken: {StatusActive, StatusEnded},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Active reports whether s is Active or one of its sub-states.
func (s Status) Active() bool {
	return s == StatusActive || s == StatusWaitingForToken
}

// SessionProperty is the conversation state property holding the session.
const SessionProperty = "skillSession"

// Session records which skill owns a conversation.
type Session struct {
	SkillID   string    `json:"skillId"`
	Action    string    `json:"action,omitempty"`
	Status    Status    `json:"status"`
	Turns     int       `json:"turns"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// moveTo applies a transition to the session.
func (s *Session) moveTo(to Status) error {
	if err := Transition(s.Status, to); err != nil {
		return fmt.Errorf("skill %s session: %w", s.SkillID, err)
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// LoadSession returns the session stored for the conversation of tc, or nil.
// The conversation state must be loaded for the turn.
func LoadSession(cs *state.BotState, tc *turn.Context) (*Session, error) {
	var s Session
	ok, err := cs.Get(tc, SessionProperty, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func saveSession(cs *state.BotState, tc *turn.Context, s *Session) error {
	return cs.Set(tc, SessionProperty, s)
}

func clearSession(cs *state.BotState, tc *turn.Context) error {
	return cs.Remove(tc, SessionProperty)
}
