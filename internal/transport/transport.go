package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// DefaultRequestTimeout is how long a forward call waits for the skill to
// answer before giving up.
const DefaultRequestTimeout = 30 * time.Second

// Transport carries parent turns to skills.
type Transport interface {
	// ForwardToSkill sends act to the skill and blocks until the skill
	// answered it. Requests the skill makes meanwhile are served by a
	// calling.RequestHandler bound to tc and callbacks. The returned activity
	// is the skill's end-of-conversation, or nil while the skill is still
	// running.
	ForwardToSkill(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context, act *activity.Activity, callbacks calling.Callbacks) (*activity.Activity, error)
	// CancelRemoteDialogs tells the skill to unwind every dialog it runs for
	// the conversation of tc.
	CancelRemoteDialogs(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context) error
	// Disconnect releases every open channel. It is safe to call when no
	// channel was opened.
	Disconnect() error
}

// InvocationError reports a failed forward call.
type InvocationError struct {
	SkillID    string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *InvocationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("skill %s at %s returned status %d", e.SkillID, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("skill %s at %s: %v", e.SkillID, e.Endpoint, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// cancelEvent builds the control event that unwinds a skill's dialogs.
func cancelEvent(tc *turn.Context) *activity.Activity {
	ev := activity.NewEvent(activity.EventCancelAllSkillDialogs)
	ev.ApplyConversationReference(tc.Activity.ConversationReference(), true)
	ev.ID = ""
	ev.EnsureID()
	return ev
}

// outbound prepares a copy of act for the wire.
func outbound(tc *turn.Context, act *activity.Activity) *activity.Activity {
	out := act.Clone()
	if out.Conversation.ID == "" {
		ref := tc.Activity.ConversationReference()
		ref.ActivityID = ""
		out.ApplyConversationReference(ref, true)
	}
	out.EnsureID()
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return out
}

// Switch picks a transport by the scheme of the manifest endpoint: ws and
// wss go to WebSocket, everything else to HTTP.
type Switch struct {
	WebSocket Transport
	HTTP      Transport
}

func (s *Switch) pick(m *skill.Manifest) (Transport, error) {
	u, err := url.Parse(m.Endpoint)
	if err != nil {
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: err}
	}
	var t Transport
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		t = s.WebSocket
	default:
		t = s.HTTP
	}
	if t == nil {
		return nil, &InvocationError{SkillID: m.ID, Endpoint: m.Endpoint, Err: fmt.Errorf("no transport for scheme %q", u.Scheme)}
	}
	return t, nil
}

func (s *Switch) ForwardToSkill(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context, act *activity.Activity, callbacks calling.Callbacks) (*activity.Activity, error) {
	t, err := s.pick(m)
	if err != nil {
		return nil, err
	}
	return t.ForwardToSkill(ctx, m, creds, tc, act, callbacks)
}

func (s *Switch) CancelRemoteDialogs(ctx context.Context, m *skill.Manifest, creds auth.Credentials, tc *turn.Context) error {
	t, err := s.pick(m)
	if err != nil {
		return err
	}
	return t.CancelRemoteDialogs(ctx, m, creds, tc)
}

func (s *Switch) Disconnect() error {
	var first error
	for _, t := range []Transport{s.WebSocket, s.HTTP} {
		if t == nil {
			continue
		}
		if err := t.Disconnect(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
