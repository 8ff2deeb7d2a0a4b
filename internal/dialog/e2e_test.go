package dialog_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/dialog"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/skillserver"
	"github.com/nidhogg/skillrelay/internal/state"
	"github.com/nidhogg/skillrelay/internal/transport"
	"github.com/nidhogg/skillrelay/internal/turn"
)

const parentAppID = "parent-app"

// weatherSkill answers CheckWeather with a forecast and ends the
// conversation when the user says bye. It marks the conversation as asked
// in its own conversation state.
func weatherSkill(t *testing.T, conv *state.BotState) turn.Handler {
	return func(ctx context.Context, tc *turn.Context) error {
		if err := conv.Load(ctx, tc, false); err != nil {
			return err
		}
		switch {
		case activity.IsEvent(tc.Activity, "CheckWeather"):
			if err := conv.Set(tc, "asked", true); err != nil {
				return err
			}
			if err := tc.SendText(ctx, "It is sunny in Seattle"); err != nil {
				return err
			}
		case tc.Activity.Type == activity.TypeMessage && tc.Activity.Text == "bye":
			eoc := activity.NewEndOfConversation()
			eoc.Value = json.RawMessage(`{"forecast":"sunny"}`)
			if _, err := tc.SendActivity(ctx, eoc); err != nil {
				return err
			}
		case tc.Activity.Type == activity.TypeMessage && tc.Activity.Text == "later":
			// Finish after this turn has been answered.
			go func() {
				time.Sleep(20 * time.Millisecond)
				eoc := activity.NewEndOfConversation()
				eoc.Value = json.RawMessage(`"late"`)
				if _, err := tc.SendActivity(context.Background(), eoc); err != nil {
					t.Errorf("late end-of-conversation: %v", err)
				}
			}()
		default:
			if err := tc.SendText(ctx, "Ask me about the weather"); err != nil {
				return err
			}
		}
		return conv.SaveChanges(ctx, tc, false)
	}
}

type harness struct {
	coord      *dialog.Coordinator
	parentConv *state.BotState
	skillStore *state.MemoryStorage
	rec        *turn.Recorder
}

func newHarness(t *testing.T, lateEnd calling.Callback) *harness {
	t.Helper()
	logger := zap.NewNop()

	skillStore := state.NewMemoryStorage()
	skillConv := state.NewConversationState(skillStore)
	gate := auth.NewGate(auth.NewStaticVerifier("secret", "", ""), auth.NewWhitelist(parentAppID), logger, nil)
	srv := skillserver.New(weatherSkill(t, skillConv), gate, logger, dialog.NewMiddleware(logger, nil, skillConv))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	m := &skill.Manifest{
		ID:       "weather",
		Name:     "Weather",
		Endpoint: "ws" + strings.TrimPrefix(ts.URL, "http"),
		Actions: []skill.Action{{ID: "forecast", Definition: skill.ActionDefinition{
			Triggers: skill.Triggers{Events: []skill.Event{{Name: "CheckWeather"}}},
		}}},
	}

	tr := transport.NewWebSocketTransport(transport.WebSocketConfig{RequestTimeout: 5 * time.Second}, nil, logger, nil)
	t.Cleanup(func() { tr.Disconnect() })

	parentConv := state.NewConversationState(state.NewMemoryStorage())
	coord := dialog.NewCoordinator(parentConv, nil, nil, logger)
	coord.Add(dialog.New(m, tr, dialog.Options{
		Credentials:       &auth.StaticCredentials{AppID: parentAppID, Secret: "secret"},
		ConversationState: parentConv,
		LateEnd:           lateEnd,
		Logger:            logger,
	}))
	return &harness{coord: coord, parentConv: parentConv, skillStore: skillStore, rec: turn.NewRecorder()}
}

func (h *harness) turn(a *activity.Activity) *turn.Context {
	a.ID = "p-" + a.Text
	a.From = activity.ChannelAccount{ID: "user-1"}
	a.Recipient = activity.ChannelAccount{ID: "parent"}
	a.Conversation = activity.ConversationAccount{ID: "conv-e2e"}
	a.ChannelID = "test"
	return turn.NewContext(h.rec, a)
}

func TestWeatherScenario(t *testing.T) {
	h := newHarness(t, calling.Callback{})
	ctx := context.Background()

	res, err := h.coord.Begin(ctx, h.turn(activity.NewMessage("what's the weather")), dialog.Args{
		SkillID:      "weather",
		ActivityType: activity.TypeEvent,
		Name:         "CheckWeather",
	})
	require.NoError(t, err)
	assert.Equal(t, dialog.StatusActive, res.Status)

	msgs := h.rec.SentOfType(activity.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "It is sunny in Seattle", msgs[0].Text)
	assert.Equal(t, "conv-e2e", msgs[0].Conversation.ID)
	assert.Equal(t, "user-1", msgs[0].Recipient.ID)
	traces := h.rec.SentOfType(activity.TypeTrace)
	require.Len(t, traces, 1)
	assert.Equal(t, "-->Handing off to the Weather skill.", traces[0].Text)

	sess, err := h.coord.Active(ctx, h.turn(activity.NewMessage("")))
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, dialog.StatusActive, sess.Status)
	assert.Equal(t, 1, h.skillStore.Len(), "the skill kept its own state")

	res, err = h.coord.Continue(ctx, h.turn(activity.NewMessage("bye")))
	require.NoError(t, err)
	assert.Equal(t, dialog.StatusEnded, res.Status)
	assert.JSONEq(t, `{"forecast":"sunny"}`, string(res.Value))

	sess, err = h.coord.Active(ctx, h.turn(activity.NewMessage("")))
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestCancelUnwindsSkillState(t *testing.T) {
	h := newHarness(t, calling.Callback{})
	ctx := context.Background()

	_, err := h.coord.Begin(ctx, h.turn(activity.NewMessage("weather")), dialog.Args{
		SkillID: "weather", ActivityType: activity.TypeEvent, Name: "CheckWeather",
	})
	require.NoError(t, err)

	had, err := h.coord.Cancel(ctx, h.turn(activity.NewMessage("/cancel")))
	require.NoError(t, err)
	assert.True(t, had)

	skillConv := state.NewConversationState(h.skillStore)
	tc := turn.NewContext(turn.NewRecorder(), &activity.Activity{
		Type:         activity.TypeMessage,
		ChannelID:    "test",
		Conversation: activity.ConversationAccount{ID: "conv-e2e"},
	})
	require.NoError(t, skillConv.Load(ctx, tc, false))
	var asked bool
	ok, err := skillConv.Get(tc, "asked", &asked)
	require.NoError(t, err)
	assert.False(t, ok, "cancelAllSkillDialogs cleared the skill's state")
}

func TestLateEndOfConversation(t *testing.T) {
	late := make(chan *activity.Activity, 1)
	h := newHarness(t, calling.Handle(func(_ context.Context, _ *turn.Context, act *activity.Activity) error {
		late <- act
		return nil
	}))
	ctx := context.Background()

	_, err := h.coord.Begin(ctx, h.turn(activity.NewMessage("weather")), dialog.Args{
		SkillID: "weather", ActivityType: activity.TypeEvent, Name: "CheckWeather",
	})
	require.NoError(t, err)

	res, err := h.coord.Continue(ctx, h.turn(activity.NewMessage("later")))
	require.NoError(t, err)
	assert.Equal(t, dialog.StatusActive, res.Status)

	select {
	case act := <-late:
		assert.Equal(t, activity.TypeEndOfConversation, act.Type)
		assert.JSONEq(t, `"late"`, string(act.Value))
	case <-time.After(5 * time.Second):
		t.Fatal("late end-of-conversation never reached the parent")
	}
}
