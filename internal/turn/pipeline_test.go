package turn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/skillrelay/internal/activity"
)

func newTurn(rec *Recorder, conv string) *Context {
	return NewContext(rec, &activity.Activity{
		ID:           "in-1",
		Type:         activity.TypeMessage,
		Text:         "hello",
		From:         activity.ChannelAccount{ID: "user"},
		Recipient:    activity.ChannelAccount{ID: "bot"},
		Conversation: activity.ConversationAccount{ID: conv},
		ChannelID:    "test",
	})
}

func TestPipelineOrderAndShortCircuit(t *testing.T) {
	var order []string
	mw := func(name string, stop bool) Middleware {
		return MiddlewareFunc(func(ctx context.Context, tc *Context, next func(context.Context) error) error {
			order = append(order, name)
			if stop {
				return nil
			}
			return next(ctx)
		})
	}

	p := NewPipeline(mw("a", false), mw("b", false))
	err := p.Run(context.Background(), newTurn(NewRecorder(), "c1"), func(context.Context, *Context) error {
		order = append(order, "handler")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "handler"}, order)

	order = nil
	p = NewPipeline(mw("a", true), mw("b", false))
	require.NoError(t, p.Run(context.Background(), newTurn(NewRecorder(), "c1"), func(context.Context, *Context) error {
		order = append(order, "handler")
		return nil
	}))
	assert.Equal(t, []string{"a"}, order)
}

func TestPipelineSerializesConversation(t *testing.T) {
	p := NewPipeline()
	var active, maxActive int32
	h := func(context.Context, *Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(context.Background(), newTurn(NewRecorder(), "same"), h)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, p.locks.m)
}

func TestContextSendAddressesReply(t *testing.T) {
	rec := NewRecorder()
	tc := newTurn(rec, "c9")

	require.NoError(t, tc.SendTrace(context.Background(), "trace"))
	assert.False(t, tc.Responded(), "trace does not count as a response")

	require.NoError(t, tc.SendText(context.Background(), "hi"))
	assert.True(t, tc.Responded())

	require.Len(t, rec.Sent, 2)
	msg := rec.Sent[1]
	assert.Equal(t, "c9", msg.Conversation.ID)
	assert.Equal(t, "bot", msg.From.ID)
	assert.Equal(t, "in-1", msg.ReplyToID)

	require.NoError(t, tc.DeleteActivity(context.Background(), "old"))
	assert.Equal(t, []string{"old"}, rec.Deleted)
}
