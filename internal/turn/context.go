package turn

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/skillrelay/internal/activity"
)

// KeySkillID is the per-turn value naming the skill the turn was forwarded
// to. Adapters use it to present skill replies.
const KeySkillID = "skillId"

// Adapter delivers activities to the channel a conversation lives on.
type Adapter interface {
	SendActivities(ctx context.Context, tc *Context, acts []*activity.Activity) ([]activity.ResourceResponse, error)
	UpdateActivity(ctx context.Context, tc *Context, act *activity.Activity) (*activity.ResourceResponse, error)
	DeleteActivity(ctx context.Context, tc *Context, ref activity.ConversationReference) error
}

// Context is the state of one inbound turn.
type Context struct {
	adapter  Adapter
	Activity *activity.Activity

	mu        sync.Mutex
	responded bool
	values    map[string]any
}

// NewContext creates a turn context for an inbound activity.
func NewContext(adapter Adapter, act *activity.Activity) *Context {
	return &Context{
		adapter:  adapter,
		Activity: act,
		values:   make(map[string]any),
	}
}

// Adapter returns the adapter that owns this turn.
func (c *Context) Adapter() Adapter { return c.adapter }

// Responded reports whether anything was sent to the user during this turn.
func (c *Context) Responded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responded
}

// SendActivity addresses act to the turn's conversation and delivers it.
func (c *Context) SendActivity(ctx context.Context, act *activity.Activity) (*activity.ResourceResponse, error) {
	out, err := c.SendActivities(ctx, act)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return &activity.ResourceResponse{ID: act.ID}, nil
	}
	return &out[0], nil
}

// SendActivities delivers several activities in order.
func (c *Context) SendActivities(ctx context.Context, acts ...*activity.Activity) ([]activity.ResourceResponse, error) {
	if len(acts) == 0 {
		return nil, nil
	}
	ref := c.Activity.ConversationReference()
	for _, a := range acts {
		if a.Conversation.ID == "" {
			a.ApplyConversationReference(ref, false)
		}
	}
	out, err := c.adapter.SendActivities(ctx, c, acts)
	if err != nil {
		return nil, fmt.Errorf("send activities: %w", err)
	}
	for _, a := range acts {
		if a.Type != activity.TypeTrace {
			c.mu.Lock()
			c.responded = true
			c.mu.Unlock()
			break
		}
	}
	return out, nil
}

// SendText is a shorthand for sending a plain message.
func (c *Context) SendText(ctx context.Context, text string) error {
	_, err := c.SendActivity(ctx, activity.NewMessage(text))
	return err
}

// SendTrace sends a trace activity.
func (c *Context) SendTrace(ctx context.Context, text string) error {
	_, err := c.SendActivity(ctx, activity.NewTrace(text))
	return err
}

// UpdateActivity replaces a previously sent activity.
func (c *Context) UpdateActivity(ctx context.Context, act *activity.Activity) (*activity.ResourceResponse, error) {
	if act.Conversation.ID == "" {
		act.ApplyConversationReference(c.Activity.ConversationReference(), false)
	}
	return c.adapter.UpdateActivity(ctx, c, act)
}

// DeleteActivity removes a previously sent activity from the conversation.
func (c *Context) DeleteActivity(ctx context.Context, activityID string) error {
	ref := c.Activity.ConversationReference()
	ref.ActivityID = activityID
	return c.adapter.DeleteActivity(ctx, c, ref)
}

// Set stores a per-turn value.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

// Get returns a per-turn value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}
