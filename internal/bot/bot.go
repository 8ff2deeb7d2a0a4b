// Package bot is the parent bot: it answers slash commands, hands
// conversations to skills and keeps forwarding to the skill that owns a
// conversation until the skill ends it.
package bot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/command"
	"github.com/nidhogg/skillrelay/internal/dialog"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/transport"
	"github.com/nidhogg/skillrelay/internal/turn"
)

const (
	noSkillReply      = "I can't help with that yet. Type /skills to see what I can hand you to."
	skillFailureReply = "Sorry, the %s skill could not be reached. Please try again later."
	failureReply      = "Sorry, something went wrong."
)

// Notifier is told when a conversation is handed to a skill.
type Notifier interface {
	Handoff(ctx context.Context, platform, conversationID, skillID string) error
}

// Config wires a Bot.
type Config struct {
	// Adapter delivers the bot's replies.
	Adapter     turn.Adapter
	Coordinator *dialog.Coordinator
	Skills      *skill.Configuration
	Commands    *command.Registry
	// Middleware runs before every turn, in order.
	Middleware []turn.Middleware
	Notifier   Notifier
	// EndReply is sent when a skill finishes. Empty sends nothing.
	EndReply string
	Logger   *zap.Logger
}

// Bot handles inbound activities for the parent.
type Bot struct {
	cfg      Config
	pipeline *turn.Pipeline
	logger   *zap.Logger
}

// New creates a bot.
func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Commands == nil {
		cfg.Commands = command.NewRegistry()
	}
	return &Bot{
		cfg:      cfg,
		pipeline: turn.NewPipeline(cfg.Middleware...),
		logger:   logger.With(zap.String("component", "bot")),
	}
}

// Handle runs one turn for act. Turns of the same conversation run one at a
// time. Its signature matches gateway.ActivityHandler.
func (b *Bot) Handle(ctx context.Context, act *activity.Activity) {
	if err := b.Run(ctx, act); err != nil {
		b.logger.Error("turn failed",
			zap.String("channel", act.ChannelID),
			zap.String("conversation", act.Conversation.ID),
			zap.Error(err))
	}
}

// Run is Handle returning the turn's error. A failure the user should know
// about is also reported in the conversation.
func (b *Bot) Run(ctx context.Context, act *activity.Activity) error {
	tc := turn.NewContext(b.cfg.Adapter, act)
	err := b.pipeline.Run(ctx, tc, b.onTurn)
	if err != nil {
		b.reportFailure(ctx, tc, err)
	}
	return err
}

// HandleLateEnd replays an end-of-conversation that a skill sent after its
// turn was answered as a new turn of the parent conversation, so the
// middleware can close the session. It is meant for dialog.Options.LateEnd.
func (b *Bot) HandleLateEnd(ctx context.Context, tc *turn.Context, act *activity.Activity) error {
	eoc := act.Clone()
	eoc.ApplyConversationReference(tc.Activity.ConversationReference(), true)
	eoc.ID = ""
	eoc.EnsureID()
	b.logger.Info("skill ended the conversation after its turn",
		zap.String("conversation", eoc.Conversation.ID))
	return b.pipeline.Run(ctx, turn.NewContext(b.cfg.Adapter, eoc), b.onTurn)
}

// LateEnd returns HandleLateEnd as a registered callback.
func (b *Bot) LateEnd() calling.Callback {
	return calling.Handle(b.HandleLateEnd)
}

func (b *Bot) onTurn(ctx context.Context, tc *turn.Context) error {
	act := tc.Activity
	if act.Type == activity.TypeMessage && command.IsCommand(act.Text) {
		return b.runCommand(ctx, tc)
	}

	cur, err := b.cfg.Coordinator.Active(ctx, tc)
	if err != nil {
		return err
	}
	if cur != nil {
		res, err := b.cfg.Coordinator.Continue(ctx, tc)
		if err != nil {
			return err
		}
		return b.settle(ctx, tc, cur.SkillID, res)
	}

	args, ok := b.pick(act)
	if !ok {
		if act.Type == activity.TypeMessage {
			return tc.SendText(ctx, noSkillReply)
		}
		b.logger.Debug("ignoring activity", zap.String("type", string(act.Type)), zap.String("name", act.Name))
		return nil
	}
	res, err := b.cfg.Coordinator.Begin(ctx, tc, args)
	if err != nil {
		return err
	}
	b.notify(ctx, tc, args.SkillID)
	return b.settle(ctx, tc, args.SkillID, res)
}

// pick selects the skill action that should handle an activity nobody owns.
func (b *Bot) pick(act *activity.Activity) (dialog.Args, bool) {
	if b.cfg.Skills == nil {
		return dialog.Args{}, false
	}
	switch act.Type {
	case activity.TypeEvent:
		m, ok := b.cfg.Skills.MatchEvent(act.Name)
		if !ok {
			return dialog.Args{}, false
		}
		return dialog.Args{
			SkillID:      m.Manifest.ID,
			Action:       m.Action.ID,
			ActivityType: activity.TypeEvent,
			Name:         act.Name,
			Value:        act.Value,
		}, true
	case activity.TypeMessage:
		m, ok := b.cfg.Skills.MatchUtterance(act.Text)
		if !ok {
			return dialog.Args{}, false
		}
		return dialog.Args{
			SkillID:      m.Manifest.ID,
			Action:       m.Action.ID,
			ActivityType: activity.TypeMessage,
		}, true
	}
	return dialog.Args{}, false
}

func (b *Bot) settle(ctx context.Context, tc *turn.Context, skillID string, res *dialog.Result) error {
	if !res.Ended() || b.cfg.EndReply == "" {
		return nil
	}
	b.logger.Info("skill session finished",
		zap.String("conversation", tc.Activity.Conversation.ID), zap.String("skill", skillID))
	return tc.SendText(ctx, b.cfg.EndReply)
}

func (b *Bot) notify(ctx context.Context, tc *turn.Context, skillID string) {
	if b.cfg.Notifier == nil {
		return
	}
	if err := b.cfg.Notifier.Handoff(ctx, tc.Activity.ChannelID, tc.Activity.Conversation.ID, skillID); err != nil {
		b.logger.Warn("hand-off notice failed", zap.String("skill", skillID), zap.Error(err))
	}
}

func (b *Bot) runCommand(ctx context.Context, tc *turn.Context) error {
	res, err := b.cfg.Commands.Dispatch(ctx, tc.Activity.Text, command.NewCommandContext(tc))
	if err != nil {
		b.logger.Error("command dispatch error", zap.Error(err))
		return tc.SendText(ctx, "Command error: "+err.Error())
	}
	return tc.SendText(ctx, res.Content)
}

func (b *Bot) reportFailure(ctx context.Context, tc *turn.Context, err error) {
	if tc.Activity.Type != activity.TypeMessage {
		return
	}
	text := failureReply
	var inv *transport.InvocationError
	if errors.As(err, &inv) {
		name := inv.SkillID
		if b.cfg.Skills != nil {
			if m, ok := b.cfg.Skills.Get(inv.SkillID); ok {
				name = m.Name
			}
		}
		text = fmt.Sprintf(skillFailureReply, name)
	}
	if sendErr := tc.SendText(ctx, text); sendErr != nil {
		b.logger.Warn("failure reply not delivered", zap.Error(sendErr))
	}
}

// ListSkills implements command.SkillLister.
func (b *Bot) ListSkills() []command.SkillInfo {
	if b.cfg.Skills == nil {
		return nil
	}
	var out []command.SkillInfo
	for _, m := range b.cfg.Skills.All() {
		out = append(out, command.SkillInfo{ID: m.ID, Name: m.Name, Description: m.Description, Endpoint: m.Endpoint})
	}
	return out
}
