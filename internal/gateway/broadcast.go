package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxBroadcastHistory = 200

// BroadcastRecord tracks a sent broadcast for history.
type BroadcastRecord struct {
	Message *BroadcastMessage `json:"message"`
	SentAt  time.Time         `json:"sent_at"`
	Targets []string          `json:"targets"`
}

// Broadcaster posts operator notices through the Gateway, such as a
// conversation being handed to a skill.
type Broadcaster struct {
	gateway   *Gateway
	platforms []string
	history   []BroadcastRecord
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster backed by the given gateway.
// platforms limits hand-off notices; empty means every adapter.
func NewBroadcaster(gw *Gateway, platforms []string, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		gateway:   gw,
		platforms: platforms,
		logger:    logger.With(zap.String("component", "broadcaster")),
	}
}

// Send broadcasts a message to all or selected platforms via the gateway.
func (b *Broadcaster) Send(ctx context.Context, msg *BroadcastMessage) error {
	if msg.Type == "" {
		return errors.New("broadcast type is required")
	}

	b.logger.Info("sending broadcast",
		zap.String("type", string(msg.Type)),
		zap.String("title", msg.Title),
		zap.String("skill", msg.SkillID),
	)

	if err := b.gateway.Broadcast(ctx, msg); err != nil {
		return err
	}

	targets := msg.Platforms
	if len(targets) == 0 {
		targets = b.gateway.Adapters()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, BroadcastRecord{
		Message: msg,
		SentAt:  time.Now(),
		Targets: targets,
	})
	if len(b.history) > maxBroadcastHistory {
		b.history = b.history[len(b.history)-maxBroadcastHistory:]
	}
	return nil
}

// Handoff announces that a conversation was handed to a skill.
func (b *Broadcaster) Handoff(ctx context.Context, platform, conversationID, skillID string) error {
	return b.Send(ctx, &BroadcastMessage{
		Type:      BroadcastHandoff,
		Title:     "Skill hand-off",
		Content:   fmt.Sprintf("%s conversation %s was handed to the %s skill", platform, conversationID, skillID),
		SkillID:   skillID,
		Platforms: b.platforms,
	})
}

// History returns up to limit recent broadcast records, oldest first.
func (b *Broadcaster) History(limit int) []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]BroadcastRecord, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}
