package tail

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

func TestMemoryBusDeliversNotification(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemoryBus(NewLogger(zerolog.Nop()))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Listen(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, bus.Notify(chat.Turn{ID: "t1", SessionID: "s1", CreatedAt: 42}))

	select {
	case n := <-ch:
		require.Equal(t, "s1", n.SessionID)
		require.Equal(t, "t1", n.TurnID)
		require.Equal(t, chat.Cursor(42), n.CreatedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestMemoryBusIsolatesSessions(t *testing.T) {
	bus := NewMemoryBus(NewLogger(zerolog.Nop()))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Listen(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, bus.Notify(chat.Turn{ID: "t1", SessionID: "other", CreatedAt: 1}))

	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenClosesWithContext(t *testing.T) {
	bus := NewMemoryBus(NewLogger(zerolog.Nop()))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Listen(ctx, "s1")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewRedisBusRequiresAddr(t *testing.T) {
	_, err := NewRedisBus(context.Background(), RedisSettings{}, NewLogger(zerolog.Nop()))
	require.Error(t, err)
}
