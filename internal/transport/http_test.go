package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/skillserver"
	"github.com/nidhogg/skillrelay/internal/transport"
	"github.com/nidhogg/skillrelay/internal/turn"
)

// httpPair starts a parent callback endpoint and an HTTP skill running h.
func httpPair(t *testing.T, h turn.Handler, gate *auth.Gate) (*transport.HTTPTransport, *skill.Manifest) {
	t.Helper()
	handlers := calling.NewRegistry(0)
	parent := httptest.NewServer(transport.CallbackHandler(handlers, zap.NewNop()))
	t.Cleanup(parent.Close)

	srv := skillserver.New(h, gate, zap.NewNop())
	sk := httptest.NewServer(srv.HTTPHandler(nil))
	t.Cleanup(sk.Close)

	tr := transport.NewHTTPTransport(parent.URL, 0, handlers, zap.NewNop(), nil)
	t.Cleanup(func() { tr.Disconnect() })
	return tr, &skill.Manifest{ID: "weather", Name: "Weather", Endpoint: sk.URL}
}

func TestHTTPForwardDeliversReplies(t *testing.T) {
	tr, m := httpPair(t, func(ctx context.Context, tc *turn.Context) error {
		return tc.SendText(ctx, "sunny")
	}, nil)

	tc, rec := parentTurn("c1")
	reply, err := tr.ForwardToSkill(context.Background(), m, creds(), tc, tc.Activity, calling.Callbacks{})
	require.NoError(t, err)
	assert.Nil(t, reply)
	require.Len(t, rec.Sent, 1)
	assert.Equal(t, "sunny", rec.Sent[0].Text)
	assert.Equal(t, "c1", rec.Sent[0].Conversation.ID)
}

func TestHTTPForwardEndOfConversation(t *testing.T) {
	tr, m := httpPair(t, func(ctx context.Context, tc *turn.Context) error {
		_, err := tc.SendActivity(ctx, activity.NewEndOfConversation())
		return err
	}, nil)

	tc, _ := parentTurn("c1")
	reply, err := tr.ForwardToSkill(context.Background(), m, creds(), tc, tc.Activity, calling.Callbacks{})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, activity.TypeEndOfConversation, reply.Type)
}

func TestHTTPForwardMissingFallbackHandler(t *testing.T) {
	tr, m := httpPair(t, func(ctx context.Context, tc *turn.Context) error {
		_, err := tc.SendActivity(ctx, activity.NewEvent(activity.EventFallback))
		return err
	}, nil)

	tc, _ := parentTurn("c1")
	_, err := tr.ForwardToSkill(context.Background(), m, creds(), tc, tc.Activity, calling.Callbacks{})
	assert.ErrorIs(t, err, calling.ErrMissingHandler)
}

func TestHTTPForwardRejected(t *testing.T) {
	gate := auth.NewGate(auth.NewStaticVerifier(secret, "", ""), auth.NewWhitelist("someone-else"), zap.NewNop(), nil)
	tr, m := httpPair(t, func(context.Context, *turn.Context) error { return nil }, gate)

	tc, _ := parentTurn("c1")
	_, err := tr.ForwardToSkill(context.Background(), m, creds(), tc, tc.Activity, calling.Callbacks{})
	var invErr *transport.InvocationError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, http.StatusUnauthorized, invErr.StatusCode)
}

func TestHTTPCancelRemoteDialogs(t *testing.T) {
	got := make(chan *activity.Activity, 1)
	tr, m := httpPair(t, func(_ context.Context, tc *turn.Context) error {
		got <- tc.Activity
		return nil
	}, nil)

	tc, _ := parentTurn("c1")
	require.NoError(t, tr.CancelRemoteDialogs(context.Background(), m, creds(), tc))
	assert.True(t, activity.IsEvent(<-got, activity.EventCancelAllSkillDialogs))
}

func TestCallbackUnknownConversation(t *testing.T) {
	srv := httptest.NewServer(transport.CallbackHandler(calling.NewRegistry(0), nil))
	defer srv.Close()

	resp, err := http.Post(transport.CallbackURL(srv.URL, "nobody", "a1"), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type stubTransport struct{ forwards, cancels, disconnects int }

func (s *stubTransport) ForwardToSkill(context.Context, *skill.Manifest, auth.Credentials, *turn.Context, *activity.Activity, calling.Callbacks) (*activity.Activity, error) {
	s.forwards++
	return nil, nil
}

func (s *stubTransport) CancelRemoteDialogs(context.Context, *skill.Manifest, auth.Credentials, *turn.Context) error {
	s.cancels++
	return nil
}

func (s *stubTransport) Disconnect() error {
	s.disconnects++
	return nil
}

func TestSwitchPicksByScheme(t *testing.T) {
	ws, web := &stubTransport{}, &stubTransport{}
	sw := &transport.Switch{WebSocket: ws, HTTP: web}
	tc, _ := parentTurn("c1")
	ctx := context.Background()

	for _, ep := range []string{"ws://skill/ws", "WSS://skill/ws"} {
		_, err := sw.ForwardToSkill(ctx, &skill.Manifest{ID: "a", Endpoint: ep}, nil, tc, tc.Activity, calling.Callbacks{})
		require.NoError(t, err)
	}
	_, err := sw.ForwardToSkill(ctx, &skill.Manifest{ID: "b", Endpoint: "https://skill/api/messages"}, nil, tc, tc.Activity, calling.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, sw.CancelRemoteDialogs(ctx, &skill.Manifest{ID: "b", Endpoint: "http://skill"}, nil, tc))
	require.NoError(t, sw.Disconnect())

	assert.Equal(t, 2, ws.forwards)
	assert.Equal(t, 1, web.forwards)
	assert.Equal(t, 1, web.cancels)
	assert.Equal(t, 1, ws.disconnects)
	assert.Equal(t, 1, web.disconnects)
}

func TestSwitchMissingTransport(t *testing.T) {
	sw := &transport.Switch{HTTP: &stubTransport{}}
	tc, _ := parentTurn("c1")
	_, err := sw.ForwardToSkill(context.Background(), &skill.Manifest{ID: "a", Endpoint: "ws://skill"}, nil, tc, tc.Activity, calling.Callbacks{})
	var invErr *transport.InvocationError
	assert.True(t, errors.As(err, &invErr))
}
