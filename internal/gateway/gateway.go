package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// ErrNotSupported is returned when a platform cannot edit or delete messages.
var ErrNotSupported = errors.New("not supported by platform")

// ActivityHandler processes an inbound activity built from a platform message.
type ActivityHandler func(ctx context.Context, act *activity.Activity)

// channelData is kept on inbound activities so replies land in the same
// thread.
type channelData struct {
	ReplyTo string `json:"replyTo,omitempty"`
}

// Gateway manages all platform adapters. It turns platform messages into
// activities and delivers outbound activities back to the platform they
// came from, so it serves as the turn.Adapter of the relay.
type Gateway struct {
	adapters map[string]PlatformAdapter
	handler  ActivityHandler
	bot      activity.ChannelAccount
	mu       sync.RWMutex
	logger   *zap.Logger
}

var _ turn.Adapter = (*Gateway)(nil)

// NewGateway creates a gateway manager. bot is the account inbound
// activities are addressed to.
func NewGateway(bot activity.ChannelAccount, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		adapters: make(map[string]PlatformAdapter),
		bot:      bot,
		logger:   logger.With(zap.String("component", "gateway")),
	}
}

// SetHandler sets the callback for all inbound activities. It must be
// called before Register.
func (g *Gateway) SetHandler(h ActivityHandler) {
	g.handler = h
}

// Register adds an adapter and wires its message handler.
func (g *Gateway) Register(adapter PlatformAdapter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	platform := adapter.Platform()
	g.adapters[platform] = adapter
	adapter.OnMessage(func(ctx context.Context, msg *InboundMessage) {
		if g.handler == nil {
			return
		}
		msg.Platform = platform
		g.handler(ctx, g.toActivity(msg))
	})
	g.logger.Info("registered gateway adapter", zap.String("platform", platform))
}

func (g *Gateway) toActivity(msg *InboundMessage) *activity.Activity {
	a := activity.NewMessage(msg.Content)
	a.ID = msg.MessageID
	a.EnsureID()
	a.From = activity.ChannelAccount{ID: msg.UserID, Name: msg.UserName}
	a.Recipient = g.bot
	a.Conversation = activity.ConversationAccount{ID: msg.ChannelID}
	a.ChannelID = msg.Platform
	a.Timestamp = msg.Timestamp.UTC()
	if msg.ReplyTo != "" {
		a.ChannelData, _ = json.Marshal(channelData{ReplyTo: msg.ReplyTo})
	}
	return a
}

// ConnectAll starts all registered adapters.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Connect(ctx); err != nil {
			g.logger.Error("adapter connect failed",
				zap.String("platform", platform), zap.Error(err))
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		g.logger.Info("adapter connected", zap.String("platform", platform))
	}
	return nil
}

func (g *Gateway) adapter(platform string) (PlatformAdapter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter for platform: %s", platform)
	}
	return a, nil
}

// Send sends a message to a specific platform channel.
func (g *Gateway) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	adapter, err := g.adapter(msg.Platform)
	if err != nil {
		return "", err
	}
	return adapter.Send(ctx, msg)
}

// SendActivities delivers the visible activities of a turn. Messages are
// posted as text, traces only reach the emulator channel and every other
// activity type is acknowledged without being shown.
func (g *Gateway) SendActivities(ctx context.Context, tc *turn.Context, acts []*activity.Activity) ([]activity.ResourceResponse, error) {
	out := make([]activity.ResourceResponse, 0, len(acts))
	for _, a := range acts {
		id, err := g.deliver(ctx, tc, a)
		if err != nil {
			return out, err
		}
		out = append(out, activity.ResourceResponse{ID: id})
	}
	return out, nil
}

func (g *Gateway) deliver(ctx context.Context, tc *turn.Context, a *activity.Activity) (string, error) {
	switch a.Type {
	case activity.TypeMessage:
	case activity.TypeTrace:
		if a.ChannelID != activity.ChannelEmulator {
			return a.EnsureID(), nil
		}
	default:
		g.logger.Debug("activity not shown on platform",
			zap.String("type", string(a.Type)), zap.String("platform", a.ChannelID))
		return a.EnsureID(), nil
	}

	text := a.Text
	if text == "" {
		text = a.Speak
	}
	if text == "" {
		return a.EnsureID(), nil
	}

	msg := &OutboundMessage{
		Platform:  a.ChannelID,
		ChannelID: a.Conversation.ID,
		Content:   text,
		ReplyTo:   replyTo(tc.Activity),
	}
	if v, ok := tc.Get(turn.KeySkillID); ok {
		msg.SkillID, _ = v.(string)
	}
	return g.Send(ctx, msg)
}

func replyTo(a *activity.Activity) string {
	if a == nil || len(a.ChannelData) == 0 {
		return ""
	}
	var cd channelData
	if err := json.Unmarshal(a.ChannelData, &cd); err != nil {
		return ""
	}
	return cd.ReplyTo
}

// UpdateActivity edits a posted message in place.
func (g *Gateway) UpdateActivity(ctx context.Context, _ *turn.Context, act *activity.Activity) (*activity.ResourceResponse, error) {
	adapter, err := g.adapter(act.ChannelID)
	if err != nil {
		return nil, err
	}
	ed, ok := adapter.(Editor)
	if !ok {
		return nil, fmt.Errorf("update on %s: %w", act.ChannelID, ErrNotSupported)
	}
	if err := ed.Update(ctx, act.Conversation.ID, act.ID, act.Text); err != nil {
		return nil, err
	}
	return &activity.ResourceResponse{ID: act.ID}, nil
}

// DeleteActivity removes a posted message.
func (g *Gateway) DeleteActivity(ctx context.Context, _ *turn.Context, ref activity.ConversationReference) error {
	adapter, err := g.adapter(ref.ChannelID)
	if err != nil {
		return err
	}
	ed, ok := adapter.(Editor)
	if !ok {
		return fmt.Errorf("delete on %s: %w", ref.ChannelID, ErrNotSupported)
	}
	return ed.Delete(ctx, ref.Conversation.ID, ref.ActivityID)
}

// Broadcast sends a message to all matching platform adapters.
func (g *Gateway) Broadcast(ctx context.Context, msg *BroadcastMessage) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	targets := g.adapters
	if len(msg.Platforms) > 0 {
		targets = make(map[string]PlatformAdapter)
		for _, p := range msg.Platforms {
			if a, ok := g.adapters[p]; ok {
				targets[p] = a
			}
		}
	}

	var errs []error
	for platform, adapter := range targets {
		if err := adapter.Broadcast(ctx, msg); err != nil {
			g.logger.Error("broadcast failed",
				zap.String("platform", platform), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("broadcast failed on %d platform(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// Adapters returns the registered platform names in sorted order.
func (g *Gateway) Adapters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for p := range g.adapters {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Statuses reports the state of every adapter. Adapters without their own
// status are reported as connected.
func (g *Gateway) Statuses() []AdapterStatus {
	var out []AdapterStatus
	for _, p := range g.Adapters() {
		a, err := g.adapter(p)
		if err != nil {
			continue
		}
		if sr, ok := a.(StatusReporter); ok {
			out = append(out, sr.Status())
			continue
		}
		out = append(out, AdapterStatus{Platform: p, Connected: true})
	}
	return out
}
