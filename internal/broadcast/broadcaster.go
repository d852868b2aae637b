// Package broadcast fans session events out to subscribers, replaying
// recent history to each new subscriber.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/serialmon/internal/models"
)

// Config controls replay size, heartbeat and subscriber buffering.
type Config struct {
	ReplaySize int           // events kept for replay, default 500
	Heartbeat  time.Duration // heartbeat interval while subscribed, default 15s
	SendBuffer int           // per-subscriber live buffer on top of replay, default 256
}

// DefaultConfig returns the default broadcaster settings.
func DefaultConfig() Config {
	return Config{ReplaySize: 500, Heartbeat: 15 * time.Second, SendBuffer: 256}
}

// Subscriber receives events on a buffered channel. The channel is closed
// when the subscriber is removed, either explicitly or because it fell
// behind.
type Subscriber struct {
	ID string
	ch chan models.Event
}

// Events returns the subscriber's event channel.
func (s *Subscriber) Events() <-chan models.Event { return s.ch }

// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*Subscriber
	replay []models.Event
	head   int
	size   int

	config Config
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broadcaster.
func New(config Config, logger *slog.Logger) *Broadcaster {
	d := DefaultConfig()
	if config.ReplaySize <= 0 {
		config.ReplaySize = d.ReplaySize
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = d.Heartbeat
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = d.SendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscriber),
		replay: make([]models.Event, config.ReplaySize),
		config: config,
		logger: logger.With("component", "broadcast"),
		now:    time.Now,
	}
}

// Subscribe replays the buffered history to a new subscriber and then adds
// it to the fan-out set. Both happen under the lock, so no event is missed
// or delivered twice.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscriber{
		ID: uuid.NewString(),
		ch: make(chan models.Event, b.config.ReplaySize+b.config.SendBuffer),
	}
	for _, e := range b.replayLocked() {
		s.ch <- e
	}
	b.subs[s.ID] = s
	b.logger.Debug("subscriber added", "id", s.ID, "replayed", b.size, "subscribers", len(b.subs))
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broadcaster) removeLocked(id string) {
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(s.ch)
}

// Broadcast delivers e to every subscriber and records it for replay.
// Subscribers whose buffer is full are dropped. Heartbeats are not
// recorded.
func (b *Broadcaster) Broadcast(e models.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("dropping slow subscriber", "id", id)
			b.removeLocked(id)
		}
	}
	if e.Type == models.EventHeartbeat {
		return
	}
	b.replay[(b.head+b.size)%len(b.replay)] = e
	if b.size < len(b.replay) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.replay)
	}
}

func (b *Broadcaster) replayLocked() []models.Event {
	out := make([]models.Event, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.replay[(b.head+i)%len(b.replay)]
	}
	return out
}

// Replay returns a copy of the replay buffer, oldest first.
func (b *Broadcaster) Replay() []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replayLocked()
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Start begins emitting heartbeats while at least one subscriber is
// connected.
func (b *Broadcaster) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.config.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := b.SubscriberCount(); n > 0 {
					b.Broadcast(models.Event{Type: models.EventHeartbeat, Data: map[string]int{"subscribers": n}})
				}
			}
		}
	}()
}

// Stop halts heartbeats and closes every subscriber.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subs {
		b.removeLocked(id)
	}
}
