package inbox

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInbox_Send_Success(t *testing.T) {
	ib := New[string](10, 100*time.Millisecond, newTestLogger())

	for i := 0; i < 5; i++ {
		require.True(t, ib.Send(context.Background(), "jobs"), "send %d", i)
	}

	stats := ib.GetStats()
	assert.Equal(t, int64(5), stats.TotalSent)
	assert.Equal(t, int64(0), stats.TimeoutCount)
	assert.Equal(t, 5, stats.CurrentDepth)
	assert.Equal(t, int64(5), stats.MaxDepthSeen)
}

func TestInbox_Send_Timeout(t *testing.T) {
	ib := New[string](2, 10*time.Millisecond, newTestLogger())

	require.True(t, ib.Send(context.Background(), "a"))
	require.True(t, ib.Send(context.Background(), "b"))

	// Buffer is full, third send must time out
	assert.False(t, ib.Send(context.Background(), "c"))
	assert.Equal(t, int64(1), ib.GetStats().TimeoutCount)
}

func TestInbox_Send_ContextCancelled(t *testing.T) {
	ib := New[string](1, time.Minute, newTestLogger())
	require.True(t, ib.Send(context.Background(), "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, ib.Send(ctx, "b"))
}

func TestInbox_TryReceive(t *testing.T) {
	ib := New[int](10, 100*time.Millisecond, newTestLogger())

	_, ok := ib.TryReceive()
	assert.False(t, ok)

	ib.Send(context.Background(), 1)
	ib.Send(context.Background(), 2)

	msg, ok := ib.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 1, msg)
	assert.Equal(t, 1, ib.Len())
	assert.Equal(t, int64(1), ib.GetStats().TotalReceived)
}

func TestInbox_Receive_UnblocksOnClose(t *testing.T) {
	ib := New[int](1, 100*time.Millisecond, newTestLogger())

	done := make(chan bool)
	go func() {
		_, ok := ib.Receive(context.Background())
		done <- ok
	}()

	ib.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock on close")
	}

	// Sends after close are rejected
	assert.False(t, ib.Send(context.Background(), 1))
}

func TestInbox_Receive_UnblocksOnContext(t *testing.T) {
	ib := New[int](1, 100*time.Millisecond, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := ib.Receive(ctx)
	assert.False(t, ok)
}
