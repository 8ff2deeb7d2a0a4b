package calling

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// ErrMissingHandler is wrapped by ConfigError when a skill sends an activity
// the parent registered no callback for.
var ErrMissingHandler = errors.New("no handler registered")

// ConfigError reports a parent that cannot fulfil a contract the skill
// relies on. It is never converted into a success acknowledgment.
type ConfigError struct {
	Capability string
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("skill requested %s: %v", e.Capability, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CallbackFunc reacts to a special activity sent by a skill during a turn.
type CallbackFunc func(ctx context.Context, tc *turn.Context, act *activity.Activity) error

// Callback is an optional capability. The zero value means "not registered".
type Callback struct {
	fn CallbackFunc
}

// Handle registers fn as a capability. A nil fn yields an unregistered
// Callback.
func Handle(fn CallbackFunc) Callback {
	return Callback{fn: fn}
}

// Registered reports whether the capability is present.
func (c Callback) Registered() bool { return c.fn != nil }

func (c Callback) call(ctx context.Context, capability string, tc *turn.Context, act *activity.Activity) error {
	if c.fn == nil {
		return &ConfigError{Capability: capability, Err: ErrMissingHandler}
	}
	return c.fn(ctx, tc, act)
}

// Callbacks are the parent capabilities wired into a handler.
type Callbacks struct {
	TokenRequest Callback
	Fallback     Callback
	Handoff      Callback
	// EndOfConversation is optional. It receives an end-of-conversation
	// that arrives after the forward call which installed the handler has
	// returned.
	EndOfConversation Callback
}

const (
	capabilityTokenRequest = "token request"
	capabilityFallback     = "fallback"
	capabilityHandoff      = "hand-off"
)
