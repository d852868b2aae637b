package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/serialmon/internal/models"
)

func serial(n int) models.Event {
	return models.Event{Type: models.EventSerial, Data: models.SerialLine{Line: fmt.Sprintf("line %d", n), LineNumber: n}}
}

func drain(ch <-chan models.Event) []models.Event {
	var out []models.Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func lineNumbers(events []models.Event) []int {
	var out []int
	for _, e := range events {
		out = append(out, e.Data.(models.SerialLine).LineNumber)
	}
	return out
}

func TestSubscribe_ReplaysThenLive(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Broadcast(serial(1))
	b.Broadcast(serial(2))

	s := b.Subscribe()
	b.Broadcast(serial(3))

	got := drain(s.Events())
	assert.Equal(t, []int{1, 2, 3}, lineNumbers(got))
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestReplay_BoundedOldestEvicted(t *testing.T) {
	b := New(Config{ReplaySize: 3}, nil)
	for i := 1; i <= 5; i++ {
		b.Broadcast(serial(i))
	}
	assert.Equal(t, []int{3, 4, 5}, lineNumbers(b.Replay()))
	assert.Equal(t, []int{3, 4, 5}, lineNumbers(drain(b.Subscribe().Events())))
}

func TestBroadcast_DropsSlowSubscriber(t *testing.T) {
	b := New(Config{ReplaySize: 2, SendBuffer: 1}, nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	// Each channel holds replay size plus send buffer: 3 events.
	for i := 1; i <= 4; i++ {
		b.Broadcast(serial(i))
		drain(fast.Events())
	}

	assert.Equal(t, 1, b.SubscriberCount())
	got := drain(slow.Events())
	assert.Len(t, got, 3)
	_, ok := <-slow.Events()
	assert.False(t, ok, "dropped subscriber channel is closed")
}

func TestUnsubscribe(t *testing.T) {
	b := New(DefaultConfig(), nil)
	s := b.Subscribe()
	b.Unsubscribe(s.ID)
	b.Unsubscribe(s.ID)

	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestHeartbeat_OnlyWithSubscribers(t *testing.T) {
	b := New(Config{Heartbeat: 10 * time.Millisecond}, nil)
	b.Start(context.Background())
	defer b.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.Replay(), "no heartbeats without subscribers")

	s := b.Subscribe()
	select {
	case e := <-s.Events():
		assert.Equal(t, models.EventHeartbeat, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
	assert.Empty(t, b.Replay(), "heartbeats are not replayed")
}

func TestStop_ClosesSubscribers(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Start(context.Background())
	s := b.Subscribe()
	b.Stop()

	require.Eventually(t, func() bool {
		_, ok := <-s.Events()
		return !ok
	}, time.Second, 10*time.Millisecond)
}
