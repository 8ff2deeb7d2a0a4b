// Package dialog runs the parent side of a skill conversation: it begins a
// skill with a first activity, forwards later turns while the skill owns
// the conversation, and ends the session when either side terminates it.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/state"
	"github.com/nidhogg/skillrelay/internal/transport"
	"github.com/nidhogg/skillrelay/internal/turn"
)

var (
	ErrSessionActive   = errors.New("a skill session is already active")
	ErrNoActiveSession = errors.New("no active skill session")
)

// SkillContextProperty is the user state property holding values the
// parent can pass to skills as slots.
const SkillContextProperty = "skillContext"

// maxForwards bounds the follow-up activities one turn may send to a skill.
const maxForwards = 8

// Args are the parameters of Begin.
type Args struct {
	SkillID      string          `json:"skillId"`
	ActivityType activity.Type   `json:"activityType,omitempty"`
	Name         string          `json:"name,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	Text         string          `json:"text,omitempty"`
	// Action selects the manifest action whose slots are filled from the
	// user's skill context. Empty fills every slot the skill declares.
	Action string `json:"action,omitempty"`
}

// Result is the outcome of a turn handled by a skill dialog.
type Result struct {
	Status Status
	// Value is the end-of-conversation payload once Status is Ended.
	Value json.RawMessage
	// SwitchTo names the skill that should take over after a fallback.
	SwitchTo string
}

// Ended reports whether the session finished on this turn.
func (r *Result) Ended() bool { return r != nil && r.Status == StatusEnded }

// Options configure a SkillDialog. ConversationState is required.
type Options struct {
	Credentials       auth.Credentials
	ConversationState *state.BotState
	UserState         *state.BotState
	Tokens            TokenProvider
	Recognizer        Recognizer
	Handoff           calling.Callback
	// LateEnd runs when the skill ends the conversation outside a forward
	// call.
	LateEnd calling.Callback
	Logger  *zap.Logger
}

// SkillDialog drives one skill.
type SkillDialog struct {
	manifest  *skill.Manifest
	transport transport.Transport
	opts      Options
	logger    *zap.Logger
}

// New creates a dialog for the skill described by m.
func New(m *skill.Manifest, tr transport.Transport, opts Options) *SkillDialog {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SkillDialog{
		manifest:  m,
		transport: tr,
		opts:      opts,
		logger:    logger.With(zap.String("component", "skill-dialog"), zap.String("skill", m.ID)),
	}
}

// Manifest returns the skill this dialog drives.
func (d *SkillDialog) Manifest() *skill.Manifest { return d.manifest }

// Begin starts a session and forwards the first activity built from args.
func (d *SkillDialog) Begin(ctx context.Context, tc *turn.Context, args Args) (*Result, error) {
	if args.SkillID != "" && args.SkillID != d.manifest.ID {
		return nil, fmt.Errorf("begin %s with args for skill %s", d.manifest.ID, args.SkillID)
	}
	if err := d.load(ctx, tc); err != nil {
		return nil, err
	}
	if cur, err := LoadSession(d.opts.ConversationState, tc); err != nil {
		return nil, err
	} else if cur != nil && cur.Status.Active() {
		return nil, fmt.Errorf("begin %s: %w (owned by %s)", d.manifest.ID, ErrSessionActive, cur.SkillID)
	}

	act, err := d.beginActivity(tc, args)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{SkillID: d.manifest.ID, Action: args.Action, Status: StatusNotStarted, StartedAt: now, UpdatedAt: now}
	if err := sess.moveTo(StatusActive); err != nil {
		return nil, err
	}
	if err := d.persist(ctx, tc, sess); err != nil {
		return nil, err
	}

	if err := tc.SendTrace(ctx, fmt.Sprintf("-->Handing off to the %s skill.", d.manifest.Name)); err != nil {
		d.logger.Warn("send trace failed", zap.Error(err))
	}
	d.logger.Info("skill session began",
		zap.String("conversation", tc.Activity.Conversation.ID), zap.String("type", string(act.Type)))
	res, err := d.forward(ctx, tc, sess, act)
	if err != nil {
		if rbErr := d.abandon(ctx, tc); rbErr != nil {
			d.logger.Warn("drop failed session", zap.Error(rbErr))
		}
		return nil, err
	}
	return res, nil
}

// abandon drops the session of a Begin that failed, so the conversation is
// left without an owner.
func (d *SkillDialog) abandon(ctx context.Context, tc *turn.Context) error {
	if err := clearSession(d.opts.ConversationState, tc); err != nil {
		return err
	}
	return d.opts.ConversationState.SaveChanges(ctx, tc, false)
}

// Continue forwards the current turn to the skill that owns the
// conversation. An end-of-conversation turn ends the session without
// reaching the skill.
func (d *SkillDialog) Continue(ctx context.Context, tc *turn.Context) (*Result, error) {
	sess, err := d.active(ctx, tc)
	if err != nil {
		return nil, err
	}

	if _, ok := activity.Classify(tc.Activity).(activity.EndOfConversation); ok {
		return d.finish(ctx, tc, sess, tc.Activity.Value, "")
	}

	act := tc.Activity
	if sess.Status == StatusWaitingForToken {
		if !activity.IsEvent(act, activity.EventTokenResponse) {
			resp, err := d.requestToken(ctx, tc)
			if errors.Is(err, ErrSignInRequired) {
				return &Result{Status: sess.Status}, nil
			}
			if err != nil {
				return nil, err
			}
			act = resp
		}
		if err := sess.moveTo(StatusActive); err != nil {
			return nil, err
		}
	}
	return d.forward(ctx, tc, sess, act)
}

// End notifies the skill that the conversation is over and ends the
// session. The notification is best effort.
func (d *SkillDialog) End(ctx context.Context, tc *turn.Context) error {
	sess, err := d.active(ctx, tc)
	if errors.Is(err, ErrNoActiveSession) {
		return nil
	}
	if err != nil {
		return err
	}

	eoc := activity.NewEndOfConversation()
	d.applyParentProperties(tc, eoc, nil)
	if _, err := d.transport.ForwardToSkill(ctx, d.manifest, d.opts.Credentials, tc, eoc, calling.Callbacks{}); err != nil {
		d.logger.Warn("end-of-conversation not delivered", zap.Error(err))
	}
	_, err = d.finish(ctx, tc, sess, nil, "")
	return err
}

// Cancel asks the skill to unwind every dialog it runs and ends the
// session. The session ends even when the skill cannot be reached.
func (d *SkillDialog) Cancel(ctx context.Context, tc *turn.Context) error {
	sess, err := d.active(ctx, tc)
	if errors.Is(err, ErrNoActiveSession) {
		return nil
	}
	if err != nil {
		return err
	}
	cancelErr := d.transport.CancelRemoteDialogs(ctx, d.manifest, d.opts.Credentials, tc)
	if cancelErr != nil {
		d.logger.Warn("cancel remote dialogs failed", zap.Error(cancelErr))
	}
	if _, err := d.finish(ctx, tc, sess, nil, ""); err != nil {
		return err
	}
	return cancelErr
}

func (d *SkillDialog) load(ctx context.Context, tc *turn.Context) error {
	if d.opts.ConversationState == nil {
		return errors.New("skill dialog has no conversation state")
	}
	if err := d.opts.ConversationState.Load(ctx, tc, false); err != nil {
		return err
	}
	if d.opts.UserState != nil {
		return d.opts.UserState.Load(ctx, tc, false)
	}
	return nil
}

// active returns the session this dialog owns.
func (d *SkillDialog) active(ctx context.Context, tc *turn.Context) (*Session, error) {
	if err := d.load(ctx, tc); err != nil {
		return nil, err
	}
	sess, err := LoadSession(d.opts.ConversationState, tc)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Status.Active() || sess.SkillID != d.manifest.ID {
		return nil, fmt.Errorf("skill %s: %w", d.manifest.ID, ErrNoActiveSession)
	}
	return sess, nil
}

func (d *SkillDialog) persist(ctx context.Context, tc *turn.Context, sess *Session) error {
	if err := saveSession(d.opts.ConversationState, tc, sess); err != nil {
		return err
	}
	return d.opts.ConversationState.SaveChanges(ctx, tc, false)
}

func (d *SkillDialog) beginActivity(tc *turn.Context, args Args) (*activity.Activity, error) {
	var act *activity.Activity
	switch args.ActivityType {
	case activity.TypeEvent:
		if args.Name == "" {
			return nil, fmt.Errorf("begin %s: event has no name", d.manifest.ID)
		}
		act = activity.NewEvent(args.Name)
	case activity.TypeMessage, "":
		text := args.Text
		if text == "" {
			text = tc.Activity.Text
		}
		act = activity.NewMessage(text)
	default:
		return nil, fmt.Errorf("begin %s: unsupported activity type %q", d.manifest.ID, args.ActivityType)
	}
	d.applyParentProperties(tc, act, args.Value)

	sa, err := d.semanticAction(tc, args.Action)
	if err != nil {
		return nil, err
	}
	act.SemanticAction = sa
	return act, nil
}

// applyParentProperties addresses act to the skill as if the user sent it
// and carries over the parent turn's channel payload.
func (d *SkillDialog) applyParentProperties(tc *turn.Context, act *activity.Activity, value json.RawMessage) {
	ref := tc.Activity.ConversationReference()
	ref.ActivityID = ""
	act.ApplyConversationReference(ref, true)
	if tc.Activity.ChannelData != nil {
		act.ChannelData = append(json.RawMessage(nil), tc.Activity.ChannelData...)
	}
	if value != nil {
		act.Value = append(json.RawMessage(nil), value...)
	}
}

// semanticAction fills the slots of the chosen action, or of every action,
// from the user's skill context.
func (d *SkillDialog) semanticAction(tc *turn.Context, actionID string) (*activity.SemanticAction, error) {
	var slots []string
	if actionID != "" {
		a, err := d.manifest.Action(actionID)
		if err != nil {
			return nil, err
		}
		for _, s := range a.Definition.Slots {
			slots = append(slots, s.Name)
		}
	} else {
		slots = d.manifest.SlotNames()
	}

	entities := make(map[string]json.RawMessage)
	if d.opts.UserState != nil && len(slots) > 0 {
		var skillCtx map[string]json.RawMessage
		if _, err := d.opts.UserState.Get(tc, SkillContextProperty, &skillCtx); err != nil {
			return nil, err
		}
		for _, name := range slots {
			if v, ok := skillCtx[name]; ok {
				entities[name] = v
			}
		}
	}

	if actionID == "" && len(entities) == 0 {
		return nil, nil
	}
	sa := &activity.SemanticAction{ID: actionID, State: activity.SemanticStateStart}
	if len(entities) > 0 {
		sa.Entities = entities
	}
	return sa, nil
}

// followUp is work a skill callback asked for during a forward call. It is
// carried out once the call returned.
type followUp struct {
	act          *activity.Activity
	switchTo     string
	waitForToken bool
}

type followUps struct {
	mu    sync.Mutex
	items []followUp
}

func (f *followUps) add(item followUp) {
	f.mu.Lock()
	f.items = append(f.items, item)
	f.mu.Unlock()
}

func (f *followUps) drain() []followUp {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items
	f.items = nil
	return items
}

func (d *SkillDialog) callbacks(work *followUps) calling.Callbacks {
	cb := calling.Callbacks{
		Handoff:           d.opts.Handoff,
		EndOfConversation: d.opts.LateEnd,
		Fallback: calling.Handle(func(ctx context.Context, tc *turn.Context, _ *activity.Activity) error {
			if d.opts.Recognizer != nil {
				if id, ok := d.opts.Recognizer.Recognize(ctx, tc); ok && id != d.manifest.ID {
					work.add(followUp{switchTo: id})
					return nil
				}
			}
			ev := activity.NewEvent(activity.EventFallbackHandled)
			d.applyParentProperties(tc, ev, nil)
			work.add(followUp{act: ev})
			return nil
		}),
	}
	if d.opts.Tokens != nil {
		cb.TokenRequest = calling.Handle(func(ctx context.Context, tc *turn.Context, _ *activity.Activity) error {
			resp, err := d.requestToken(ctx, tc)
			if errors.Is(err, ErrSignInRequired) {
				work.add(followUp{waitForToken: true})
				return nil
			}
			if err != nil {
				return err
			}
			work.add(followUp{act: resp})
			return nil
		})
	}
	return cb
}

// requestToken asks the token provider for the skill's first
// authentication connection and wraps the token in a tokens/response event.
func (d *SkillDialog) requestToken(ctx context.Context, tc *turn.Context) (*activity.Activity, error) {
	if d.opts.Tokens == nil {
		return nil, fmt.Errorf("skill %s needs a token but no token provider is configured", d.manifest.ID)
	}
	conn, ok := d.manifest.AuthConnection()
	if !ok {
		return nil, fmt.Errorf("skill %s requested a token but declares no authentication connection", d.manifest.ID)
	}
	token, err := d.opts.Tokens.Token(ctx, tc, conn.ID)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(TokenResponse{ConnectionName: conn.ID, Token: token})
	if err != nil {
		return nil, err
	}
	ev := activity.NewEvent(activity.EventTokenResponse)
	d.applyParentProperties(tc, ev, value)
	return ev, nil
}

// forward sends act and every follow-up the skill asks for, then persists
// the session.
func (d *SkillDialog) forward(ctx context.Context, tc *turn.Context, sess *Session, act *activity.Activity) (*Result, error) {
	tc.Set(turn.KeySkillID, d.manifest.ID)
	queue := []*activity.Activity{act}
	for sent := 0; len(queue) > 0; sent++ {
		if sent == maxForwards {
			return nil, fmt.Errorf("skill %s: more than %d follow-up activities in one turn", d.manifest.ID, maxForwards)
		}
		next := queue[0]
		queue = queue[1:]

		work := &followUps{}
		reply, err := d.transport.ForwardToSkill(ctx, d.manifest, d.opts.Credentials, tc, next, d.callbacks(work))
		if err != nil {
			return nil, err
		}
		sess.Turns++

		if reply != nil && reply.Type == activity.TypeEndOfConversation {
			return d.finish(ctx, tc, sess, reply.Value, "")
		}
		for _, f := range work.drain() {
			switch {
			case f.switchTo != "":
				if err := d.transport.CancelRemoteDialogs(ctx, d.manifest, d.opts.Credentials, tc); err != nil {
					d.logger.Warn("cancel before switching skills failed", zap.Error(err))
				}
				return d.finish(ctx, tc, sess, nil, f.switchTo)
			case f.waitForToken:
				if sess.Status == StatusActive {
					if err := sess.moveTo(StatusWaitingForToken); err != nil {
						return nil, err
					}
				}
			case f.act != nil:
				queue = append(queue, f.act)
			}
		}
	}

	sess.UpdatedAt = time.Now().UTC()
	if err := d.persist(ctx, tc, sess); err != nil {
		return nil, err
	}
	return &Result{Status: sess.Status}, nil
}

// finish ends the session and hands control back to the parent.
func (d *SkillDialog) finish(ctx context.Context, tc *turn.Context, sess *Session, value json.RawMessage, switchTo string) (*Result, error) {
	if err := sess.moveTo(StatusEnded); err != nil {
		return nil, err
	}
	if err := clearSession(d.opts.ConversationState, tc); err != nil {
		return nil, err
	}
	if err := d.opts.ConversationState.SaveChanges(ctx, tc, false); err != nil {
		return nil, err
	}
	if err := tc.SendTrace(ctx, fmt.Sprintf("<--Ending the skill conversation with the %s Skill and handing off to Parent Bot.", d.manifest.Name)); err != nil {
		d.logger.Warn("send trace failed", zap.Error(err))
	}
	d.logger.Info("skill session ended",
		zap.String("conversation", tc.Activity.Conversation.ID), zap.Int("turns", sess.Turns), zap.String("switch_to", switchTo))
	return &Result{Status: StatusEnded, Value: value, SwitchTo: switchTo}, nil
}
