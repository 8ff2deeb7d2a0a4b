package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// captureAdapter records outbound traffic and lets tests inject messages.
type captureAdapter struct {
	platform   string
	handler    MessageHandler
	mu         sync.Mutex
	sent       []*OutboundMessage
	updated    []string
	deleted    []string
	broadcasts []*BroadcastMessage
}

func (c *captureAdapter) Platform() string                  { return c.platform }
func (c *captureAdapter) Connect(ctx context.Context) error { return nil }
func (c *captureAdapter) OnMessage(h MessageHandler)        { c.handler = h }
func (c *captureAdapter) Close() error                      { return nil }

func (c *captureAdapter) Send(_ context.Context, msg *OutboundMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return "m-" + msg.Content, nil
}

func (c *captureAdapter) Broadcast(_ context.Context, msg *BroadcastMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, msg)
	return nil
}

func (c *captureAdapter) inject(msg *InboundMessage) {
	c.handler(context.Background(), msg)
}

// editableAdapter also supports editing and deleting messages.
type editableAdapter struct{ *captureAdapter }

func (e editableAdapter) Update(_ context.Context, channelID, messageID, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated = append(e.updated, channelID+"/"+messageID+"="+content)
	return nil
}

func (e editableAdapter) Delete(_ context.Context, channelID, messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, channelID+"/"+messageID)
	return nil
}

var bot = activity.ChannelAccount{ID: "relay", Name: "Relay"}

func TestInboundMessageBecomesActivity(t *testing.T) {
	gw := NewGateway(bot, zap.NewNop())
	var got *activity.Activity
	gw.SetHandler(func(_ context.Context, act *activity.Activity) { got = act })
	slack := &captureAdapter{platform: "slack"}
	gw.Register(slack)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	slack.inject(&InboundMessage{
		ChannelID: "C1", MessageID: "171.1", UserID: "U1", UserName: "ada",
		Content: "what's the weather", Timestamp: ts, ReplyTo: "170.0",
	})

	require.NotNil(t, got)
	assert.Equal(t, activity.TypeMessage, got.Type)
	assert.Equal(t, "171.1", got.ID)
	assert.Equal(t, "slack", got.ChannelID)
	assert.Equal(t, "C1", got.Conversation.ID)
	assert.Equal(t, activity.ChannelAccount{ID: "U1", Name: "ada"}, got.From)
	assert.Equal(t, bot, got.Recipient)
	assert.Equal(t, "what's the weather", got.Text)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, "170.0", replyTo(got))
}

func newTurn(gw *Gateway, platform string) *turn.Context {
	a := activity.NewMessage("hi")
	a.ID = "in-1"
	a.ChannelID = platform
	a.Conversation = activity.ConversationAccount{ID: "C1"}
	a.From = activity.ChannelAccount{ID: "U1"}
	a.Recipient = bot
	a.ChannelData = json.RawMessage(`{"replyTo":"170.0"}`)
	return turn.NewContext(gw, a)
}

func TestSendActivitiesDeliversVisibleActivities(t *testing.T) {
	gw := NewGateway(bot, nil)
	slack := &captureAdapter{platform: "slack"}
	gw.Register(slack)
	tc := newTurn(gw, "slack")
	tc.Set(turn.KeySkillID, "weather")

	out, err := tc.SendActivities(context.Background(),
		activity.NewMessage("sunny"),
		activity.NewTrace("debug"),
		activity.NewEndOfConversation(),
	)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "m-sunny", out[0].ID)
	assert.NotEmpty(t, out[1].ID)

	require.Len(t, slack.sent, 1)
	assert.Equal(t, &OutboundMessage{
		Platform: "slack", ChannelID: "C1", SkillID: "weather", Content: "sunny", ReplyTo: "170.0",
	}, slack.sent[0])
	assert.True(t, tc.Responded())
}

func TestTracesReachTheEmulator(t *testing.T) {
	gw := NewGateway(bot, nil)
	emu := &captureAdapter{platform: activity.ChannelEmulator}
	gw.Register(emu)
	tc := newTurn(gw, activity.ChannelEmulator)

	require.NoError(t, tc.SendTrace(context.Background(), "-->Handing off to the Weather skill."))
	require.Len(t, emu.sent, 1)
	assert.Equal(t, "-->Handing off to the Weather skill.", emu.sent[0].Content)
}

func TestSendToUnknownPlatform(t *testing.T) {
	gw := NewGateway(bot, nil)
	tc := newTurn(gw, "irc")
	err := tc.SendText(context.Background(), "hello")
	assert.ErrorContains(t, err, "no adapter for platform: irc")
}

func TestUpdateAndDelete(t *testing.T) {
	gw := NewGateway(bot, nil)
	ed := editableAdapter{&captureAdapter{platform: "discord"}}
	gw.Register(ed)
	gw.Register(&captureAdapter{platform: "rest"})
	ctx := context.Background()

	tc := newTurn(gw, "discord")
	upd := activity.NewMessage("cloudy")
	upd.ID = "m-1"
	rr, err := tc.UpdateActivity(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, "m-1", rr.ID)
	require.NoError(t, tc.DeleteActivity(ctx, "m-2"))
	assert.Equal(t, []string{"C1/m-1=cloudy"}, ed.updated)
	assert.Equal(t, []string{"C1/m-2"}, ed.deleted)

	rest := newTurn(gw, "rest")
	_, err = rest.UpdateActivity(ctx, &activity.Activity{ID: "x", Type: activity.TypeMessage})
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.ErrorIs(t, rest.DeleteActivity(ctx, "x"), ErrNotSupported)
}

func TestAdaptersAndStatuses(t *testing.T) {
	gw := NewGateway(bot, nil)
	gw.Register(&captureAdapter{platform: "slack"})
	gw.Register(NewDiscordAdapter("token", nil))
	gw.Register(NewRESTAdapter(nil))

	assert.Equal(t, []string{"discord", "rest", "slack"}, gw.Adapters())
	st := gw.Statuses()
	require.Len(t, st, 3)
	assert.Equal(t, "discord", st[0].Platform)
	assert.False(t, st[0].Connected)
	assert.True(t, st[1].Connected)
}

func postMessage(t *testing.T, srv *httptest.Server, body any) (*http.Response, restResponse) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out restResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestRESTAdapterReturnsTurnReplies(t *testing.T) {
	gw := NewGateway(bot, nil)
	rest := NewRESTAdapter(nil)
	gw.SetHandler(func(ctx context.Context, act *activity.Activity) {
		tc := turn.NewContext(gw, act)
		_ = tc.SendText(ctx, "echo: "+act.Text)
		_ = tc.SendText(ctx, "from "+act.From.ID)
	})
	gw.Register(rest)
	srv := httptest.NewServer(rest.Routes())
	defer srv.Close()

	resp, out := postMessage(t, srv, restRequest{ConversationID: "conv-9", UserID: "u1", Content: "ping"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "conv-9", out.ConversationID)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "echo: ping", out.Messages[0].Content)
	assert.Equal(t, "from u1", out.Messages[1].Content)
	assert.Equal(t, "rest", out.Messages[0].Platform)

	resp, out = postMessage(t, srv, restRequest{Content: "again"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out.ConversationID, "a conversation id is assigned")
	assert.Equal(t, "from anonymous", out.Messages[1].Content)
}

func TestRESTAdapterRejectsBadRequests(t *testing.T) {
	rest := NewRESTAdapter(nil)
	srv := httptest.NewServer(rest.Routes())
	defer srv.Close()

	resp, _ := postMessage(t, srv, restRequest{UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	raw, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestRESTAdapterTimesOut(t *testing.T) {
	gw := NewGateway(bot, nil)
	rest := NewRESTAdapter(nil)
	rest.timeout = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	gw.SetHandler(func(context.Context, *activity.Activity) { <-release })
	gw.Register(rest)
	srv := httptest.NewServer(rest.Routes())
	defer srv.Close()

	resp, _ := postMessage(t, srv, restRequest{Content: "slow"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestBroadcasterHandoff(t *testing.T) {
	gw := NewGateway(bot, nil)
	ops := &captureAdapter{platform: "slack"}
	other := &captureAdapter{platform: "discord"}
	gw.Register(ops)
	gw.Register(other)
	b := NewBroadcaster(gw, []string{"slack"}, nil)
	ctx := context.Background()

	require.NoError(t, b.Handoff(ctx, "rest", "conv-1", "weather"))
	require.Len(t, ops.broadcasts, 1)
	assert.Empty(t, other.broadcasts)
	assert.Equal(t, BroadcastHandoff, ops.broadcasts[0].Type)
	assert.Equal(t, "weather", ops.broadcasts[0].SkillID)
	assert.Contains(t, ops.broadcasts[0].Content, "conv-1")

	assert.Error(t, b.Send(ctx, &BroadcastMessage{Title: "untyped"}))

	require.NoError(t, b.Send(ctx, &BroadcastMessage{Type: BroadcastAnnouncement, Title: "maintenance"}))
	h := b.History(0)
	require.Len(t, h, 2)
	assert.Equal(t, []string{"slack"}, h[0].Targets)
	assert.Equal(t, []string{"discord", "slack"}, h[1].Targets)
	assert.Len(t, b.History(1), 1)
	assert.Len(t, other.broadcasts, 1)
}
