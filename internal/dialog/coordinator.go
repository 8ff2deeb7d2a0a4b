package dialog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/state"
	"github.com/nidhogg/skillrelay/internal/telemetry"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// Reasons a session ends, as recorded in history and metrics.
const (
	ReasonCompleted = "completed"
	ReasonReplaced  = "replaced"
	ReasonCanceled  = "canceled"
	ReasonSwitched  = "switched"
	ReasonEnded     = "ended"
)

var ErrUnknownSkill = errors.New("unknown skill")

// SessionRecorder keeps a history of skill sessions.
type SessionRecorder interface {
	RecordBegin(ctx context.Context, conversationID, skillID string, at time.Time) error
	RecordEnd(ctx context.Context, conversationID, skillID, reason string, at time.Time) error
}

// Coordinator owns the dialogs of every configured skill and keeps at most
// one of them in charge of a conversation.
type Coordinator struct {
	convState *state.BotState
	recorder  SessionRecorder
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	mu      sync.RWMutex
	dialogs map[string]*SkillDialog
}

// NewCoordinator creates a coordinator. recorder and metrics may be nil.
func NewCoordinator(convState *state.BotState, recorder SessionRecorder, metrics *telemetry.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		convState: convState,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "skill-coordinator")),
		dialogs:   make(map[string]*SkillDialog),
	}
}

// Add registers dialogs by skill id.
func (c *Coordinator) Add(dialogs ...*SkillDialog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range dialogs {
		c.dialogs[d.manifest.ID] = d
	}
}

// Dialog returns the dialog for a skill.
func (c *Coordinator) Dialog(skillID string) (*SkillDialog, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dialogs[skillID]
	return d, ok
}

// SkillIDs lists the registered skills in sorted order.
func (c *Coordinator) SkillIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.dialogs))
	for id := range c.dialogs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active returns the session owning the conversation of tc, if any.
func (c *Coordinator) Active(ctx context.Context, tc *turn.Context) (*Session, error) {
	if err := c.convState.Load(ctx, tc, false); err != nil {
		return nil, err
	}
	sess, err := LoadSession(c.convState, tc)
	if err != nil || sess == nil || !sess.Status.Active() {
		return nil, err
	}
	return sess, nil
}

// Begin hands the conversation to args.SkillID. A session owned by another
// skill is ended first. When the skill falls back to another skill the
// conversation is handed over once more with the current turn.
func (c *Coordinator) Begin(ctx context.Context, tc *turn.Context, args Args) (*Result, error) {
	d, ok := c.Dialog(args.SkillID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, args.SkillID)
	}

	if cur, err := c.Active(ctx, tc); err != nil {
		return nil, err
	} else if cur != nil {
		c.logger.Info("replacing active skill session",
			zap.String("conversation", tc.Activity.Conversation.ID),
			zap.String("from", cur.SkillID), zap.String("to", args.SkillID))
		if err := c.end(ctx, tc, cur, ReasonReplaced); err != nil {
			return nil, err
		}
	}

	res, err := d.Begin(ctx, tc, args)
	if err != nil {
		return nil, err
	}
	c.began(ctx, tc, args.SkillID)
	return c.settle(ctx, tc, args.SkillID, res, true)
}

// Continue forwards the turn to the skill that owns the conversation.
func (c *Coordinator) Continue(ctx context.Context, tc *turn.Context) (*Result, error) {
	cur, err := c.Active(ctx, tc)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNoActiveSession
	}
	d, ok := c.Dialog(cur.SkillID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, cur.SkillID)
	}
	res, err := d.Continue(ctx, tc)
	if err != nil {
		return nil, err
	}
	return c.settle(ctx, tc, cur.SkillID, res, true)
}

// End ends the active session, notifying its skill.
func (c *Coordinator) End(ctx context.Context, tc *turn.Context) error {
	cur, err := c.Active(ctx, tc)
	if err != nil || cur == nil {
		return err
	}
	return c.end(ctx, tc, cur, ReasonEnded)
}

// Cancel cancels the active session. It reports whether there was one.
func (c *Coordinator) Cancel(ctx context.Context, tc *turn.Context) (bool, error) {
	cur, err := c.Active(ctx, tc)
	if err != nil || cur == nil {
		return false, err
	}
	d, ok := c.Dialog(cur.SkillID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSkill, cur.SkillID)
	}
	err = d.Cancel(ctx, tc)
	c.ended(ctx, tc, cur.SkillID, ReasonCanceled)
	return true, err
}

// SkillEnded accounts for a session that the skill ended on its own, for
// instance through a late end-of-conversation handled by the middleware.
// It must run before the middleware clears the conversation state.
func (c *Coordinator) SkillEnded(ctx context.Context, tc *turn.Context) error {
	cur, err := c.Active(ctx, tc)
	if err != nil || cur == nil {
		return err
	}
	c.ended(ctx, tc, cur.SkillID, ReasonCompleted)
	return nil
}

func (c *Coordinator) end(ctx context.Context, tc *turn.Context, cur *Session, reason string) error {
	d, ok := c.Dialog(cur.SkillID)
	if !ok {
		// The skill is no longer configured; drop its session.
		if err := clearSession(c.convState, tc); err != nil {
			return err
		}
		c.ended(ctx, tc, cur.SkillID, reason)
		return c.convState.SaveChanges(ctx, tc, false)
	}
	if err := d.End(ctx, tc); err != nil {
		return err
	}
	c.ended(ctx, tc, cur.SkillID, reason)
	return nil
}

// settle accounts for a finished session and follows a fallback switch
// once.
func (c *Coordinator) settle(ctx context.Context, tc *turn.Context, skillID string, res *Result, follow bool) (*Result, error) {
	if !res.Ended() {
		return res, nil
	}
	if res.SwitchTo == "" {
		c.ended(ctx, tc, skillID, ReasonCompleted)
		return res, nil
	}
	c.ended(ctx, tc, skillID, ReasonSwitched)
	if !follow {
		return res, nil
	}
	next, ok := c.Dialog(res.SwitchTo)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, res.SwitchTo)
	}
	c.logger.Info("switching skills",
		zap.String("conversation", tc.Activity.Conversation.ID), zap.String("from", skillID), zap.String("to", res.SwitchTo))
	switched, err := next.Begin(ctx, tc, Args{SkillID: res.SwitchTo, ActivityType: activity.TypeMessage})
	if err != nil {
		return nil, err
	}
	c.began(ctx, tc, res.SwitchTo)
	return c.settle(ctx, tc, res.SwitchTo, switched, false)
}

func (c *Coordinator) began(ctx context.Context, tc *turn.Context, skillID string) {
	c.metrics.SessionBegan()
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordBegin(ctx, tc.Activity.Conversation.ID, skillID, time.Now().UTC()); err != nil {
		c.logger.Warn("record session begin failed", zap.Error(err))
	}
}

func (c *Coordinator) ended(ctx context.Context, tc *turn.Context, skillID, reason string) {
	c.metrics.SessionEnded(reason)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordEnd(ctx, tc.Activity.Conversation.ID, skillID, reason, time.Now().UTC()); err != nil {
		c.logger.Warn("record session end failed", zap.Error(err))
	}
}
