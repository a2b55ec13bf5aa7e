package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBus_NotifyDeliversToSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe("default")
	defer cancel()

	err := bus.Notify(context.Background(), "default")
	require.NoError(t, err)

	select {
	case evt := <-ch:
		require.Equal(t, "default", evt.FormationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestMemoryBus_DoesNotCrossFormations(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe("formation-a")
	defer cancel()

	err := bus.Notify(context.Background(), "formation-b")
	require.NoError(t, err)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event for unrelated formation: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_CancelUnsubscribes(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe("default")
	cancel()

	_, open := <-ch
	require.False(t, open, "channel should be closed after cancel")
}
