package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/turn"
)

var ErrNotLoaded = errors.New("state not loaded for this turn")

// KeyFunc derives the storage key of a state scope from the inbound activity.
type KeyFunc func(a *activity.Activity) (string, error)

// BotState is a bag of named properties persisted per scope (conversation
// or user). It is read once per turn, cached on the turn context, and
// written back only when it changed.
type BotState struct {
	name    string
	storage Storage
	key     KeyFunc
}

type cached struct {
	key   string
	props map[string]json.RawMessage
	saved []byte
}

// NewConversationState scopes state to the conversation of the turn.
func NewConversationState(s Storage) *BotState {
	return &BotState{name: "conversation", storage: s, key: func(a *activity.Activity) (string, error) {
		if a.ChannelID == "" || a.Conversation.ID == "" {
			return "", errors.New("activity has no channel or conversation id")
		}
		return a.ChannelID + "/conversations/" + a.Conversation.ID, nil
	}}
}

// NewUserState scopes state to the user sending the turn.
func NewUserState(s Storage) *BotState {
	return &BotState{name: "user", storage: s, key: func(a *activity.Activity) (string, error) {
		if a.ChannelID == "" || a.From.ID == "" {
			return "", errors.New("activity has no channel or sender id")
		}
		return a.ChannelID + "/users/" + a.From.ID, nil
	}}
}

func (b *BotState) cacheKey() string { return "state:" + b.name }

func (b *BotState) current(tc *turn.Context) (*cached, error) {
	v, ok := tc.Get(b.cacheKey())
	if !ok {
		return nil, fmt.Errorf("%s %w", b.name, ErrNotLoaded)
	}
	return v.(*cached), nil
}

// Load reads the scope's document into the turn cache. A loaded scope is
// not read again unless force is set.
func (b *BotState) Load(ctx context.Context, tc *turn.Context, force bool) error {
	if _, ok := tc.Get(b.cacheKey()); ok && !force {
		return nil
	}
	key, err := b.key(tc.Activity)
	if err != nil {
		return fmt.Errorf("%s state key: %w", b.name, err)
	}
	docs, err := b.storage.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s state: %w", b.name, err)
	}
	c := &cached{key: key, props: make(map[string]json.RawMessage)}
	if doc, ok := docs[key]; ok {
		if err := json.Unmarshal(doc, &c.props); err != nil {
			return fmt.Errorf("decode %s state: %w", b.name, err)
		}
		c.saved = doc
	}
	tc.Set(b.cacheKey(), c)
	return nil
}

// Get decodes property name into v and reports whether it was present.
func (b *BotState) Get(tc *turn.Context, name string, v any) (bool, error) {
	c, err := b.current(tc)
	if err != nil {
		return false, err
	}
	raw, ok := c.props[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s.%s: %w", b.name, name, err)
	}
	return true, nil
}

// Set stores v as property name.
func (b *BotState) Set(tc *turn.Context, name string, v any) error {
	c, err := b.current(tc)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", b.name, name, err)
	}
	c.props[name] = raw
	return nil
}

// Remove drops property name.
func (b *BotState) Remove(tc *turn.Context, name string) error {
	c, err := b.current(tc)
	if err != nil {
		return err
	}
	delete(c.props, name)
	return nil
}

// Clear empties the scope. The change is persisted by the next SaveChanges.
func (b *BotState) Clear(tc *turn.Context) error {
	c, err := b.current(tc)
	if err != nil {
		return err
	}
	c.props = make(map[string]json.RawMessage)
	return nil
}

// SaveChanges writes the cached document when it changed since Load, or
// unconditionally when force is set.
func (b *BotState) SaveChanges(ctx context.Context, tc *turn.Context, force bool) error {
	c, err := b.current(tc)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(c.props)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", b.name, err)
	}
	if !force && c.saved != nil && bytes.Equal(doc, c.saved) {
		return nil
	}
	if !force && c.saved == nil && len(c.props) == 0 {
		return nil
	}
	if err := b.storage.Write(ctx, map[string]json.RawMessage{c.key: doc}); err != nil {
		return fmt.Errorf("write %s state: %w", b.name, err)
	}
	c.saved = doc
	return nil
}

// Delete removes the scope from storage and from the turn cache.
func (b *BotState) Delete(ctx context.Context, tc *turn.Context) error {
	key, err := b.key(tc.Activity)
	if err != nil {
		return fmt.Errorf("%s state key: %w", b.name, err)
	}
	if err := b.storage.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s state: %w", b.name, err)
	}
	tc.Set(b.cacheKey(), &cached{key: key, props: make(map[string]json.RawMessage)})
	return nil
}
