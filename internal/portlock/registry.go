// Package portlock arbitrates exclusive access to serial ports between
// monitor sessions and toolchain operations.
package portlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/serialmon/internal/models"
)

var (
	// ErrConflict is reported when a port is held by another owner.
	ErrConflict = errors.New("port lock conflict")
	// ErrNotLocked is returned when updating the state of a port nobody holds.
	ErrNotLocked = errors.New("port is not locked")
)

// Observer is notified of every lock transition. Notifications are delivered
// after the registry lock is released, so observers may call back into the
// registry.
type Observer interface {
	LockTransition(port string, from, to models.LockStatus, owner string)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(port string, from, to models.LockStatus, owner string)

func (f ObserverFunc) LockTransition(port string, from, to models.LockStatus, owner string) {
	f(port, from, to, owner)
}

// Config configures lock expiry and the background sweep.
type Config struct {
	// Timeout is how long a lock may sit without activity before it is
	// reclaimed. Default: 120 seconds.
	Timeout time.Duration

	// SweepInterval is the period of the background reclamation sweep.
	// Default: 30 seconds.
	SweepInterval time.Duration
}

// DefaultConfig returns the default lock configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       120 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Result is the outcome of a TryLock call.
type Result struct {
	Success       bool                 `json:"success"`
	State         models.PortLockState `json:"state"`
	Error         string               `json:"error,omitempty"`
	PreviousOwner string               `json:"previousOwner,omitempty"`
}

// Err returns ErrConflict wrapped with the current owner, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s held by %s (%s)", ErrConflict, r.State.Port, r.PreviousOwner, r.State.Status)
}

// Meta carries optional fields for SetState.
type Meta struct {
	Owner string
	Error string
}

// Registry holds the lock state of every port.
type Registry struct {
	mu       sync.Mutex
	locks    map[string]*models.PortLockState
	config   Config
	observer Observer
	pending  []lockTransition
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. The observer and logger may be nil.
func NewRegistry(config Config, observer Observer, logger *slog.Logger) *Registry {
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		locks:    make(map[string]*models.PortLockState),
		config:   config,
		observer: observer,
		logger:   logger.With("component", "portlock"),
		now:      time.Now,
	}
}

// TryLock attempts to take ownership of port for owner. An expired lock is
// reclaimed before the attempt. With force, a live lock is overridden.
func (r *Registry) TryLock(port, owner string, force bool) Result {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	now := r.now()
	r.reclaimIfExpiredLocked(port, now)

	var previous string
	var from models.LockStatus = models.LockStatusIdle
	if cur, ok := r.locks[port]; ok {
		from = cur.Status
		if cur.Status.Holds() {
			if !force {
				return Result{
					Success:       false,
					State:         *cur,
					Error:         "conflict",
					PreviousOwner: cur.Owner,
				}
			}
			previous = cur.Owner
			r.logger.Warn("forcing port lock", "port", port, "owner", owner, "previous_owner", cur.Owner)
		}
	}

	st := &models.PortLockState{
		Port:         port,
		Status:       models.LockStatusLocked,
		Owner:        owner,
		AcquiredAt:   now,
		LastActivity: now,
	}
	r.locks[port] = st
	r.notify(port, from, st.Status, owner)
	r.logger.Debug("port locked", "port", port, "owner", owner)

	return Result{Success: true, State: *st, PreviousOwner: previous}
}

// SetState updates the status of a held port without re-acquiring it.
// Idle and error are always permitted; idle clears the lock.
func (r *Registry) SetState(port string, status models.LockStatus, meta Meta) (models.PortLockState, error) {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	now := r.now()
	cur, ok := r.locks[port]
	from := models.LockStatusIdle
	if ok {
		from = cur.Status
	}

	switch status {
	case models.LockStatusIdle:
		if ok {
			delete(r.locks, port)
			r.notify(port, from, status, cur.Owner)
		}
		return models.PortLockState{Port: port, Status: models.LockStatusIdle, LastActivity: now}, nil
	case models.LockStatusError:
		st := &models.PortLockState{Port: port, Status: status, LastActivity: now, Error: meta.Error}
		if ok {
			st.Owner = cur.Owner
			st.AcquiredAt = cur.AcquiredAt
		}
		if meta.Owner != "" {
			st.Owner = meta.Owner
		}
		r.locks[port] = st
		r.notify(port, from, status, st.Owner)
		r.logger.Warn("port flagged error", "port", port, "owner", st.Owner, "error", meta.Error)
		return *st, nil
	}

	if !ok || !cur.Status.Holds() {
		return models.PortLockState{Port: port, Status: from}, fmt.Errorf("%w: %s", ErrNotLocked, port)
	}
	if meta.Owner != "" && meta.Owner != cur.Owner {
		return *cur, fmt.Errorf("%w: %s held by %s", ErrConflict, port, cur.Owner)
	}

	cur.Status = status
	cur.LastActivity = now
	cur.Error = meta.Error
	r.notify(port, from, status, cur.Owner)
	return *cur, nil
}

// Touch refreshes the activity timestamp of a held port.
func (r *Registry) Touch(port, owner string) bool {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	cur, ok := r.locks[port]
	if !ok || !cur.Status.Holds() || (owner != "" && cur.Owner != owner) {
		return false
	}
	cur.LastActivity = r.now()
	return true
}

// Release clears the lock on port unconditionally.
func (r *Registry) Release(port string) {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	if cur, ok := r.locks[port]; ok {
		delete(r.locks, port)
		r.notify(port, cur.Status, models.LockStatusIdle, cur.Owner)
		r.logger.Debug("port released", "port", port, "owner", cur.Owner)
	}
}

// ReleaseOwned clears the lock only if owner still holds it.
func (r *Registry) ReleaseOwned(port, owner string) bool {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	cur, ok := r.locks[port]
	if !ok || cur.Owner != owner {
		return false
	}
	delete(r.locks, port)
	r.notify(port, cur.Status, models.LockStatusIdle, owner)
	return true
}

// State returns the lock state of port. Unknown ports are idle.
func (r *Registry) State(port string) models.PortLockState {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	r.reclaimIfExpiredLocked(port, r.now())
	if cur, ok := r.locks[port]; ok {
		return *cur
	}
	return models.PortLockState{Port: port, Status: models.LockStatusIdle}
}

// States returns every tracked lock, sorted by port.
func (r *Registry) States() []models.PortLockState {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	out := make([]models.PortLockState, 0, len(r.locks))
	for _, st := range r.locks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Sweep reclaims every expired lock and returns how many were cleared.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.flush()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for port := range r.locks {
		if r.reclaimIfExpiredLocked(port, now) {
			n++
		}
	}
	return n
}

// Start launches the background sweep.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Info("reclaimed expired port locks", "count", n)
				}
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) expired(st *models.PortLockState, now time.Time) bool {
	return now.Sub(st.LastActivity) > r.config.Timeout
}

// reclaimIfExpiredLocked drops port's lock when it has gone stale.
// Caller must hold r.mu.
func (r *Registry) reclaimIfExpiredLocked(port string, now time.Time) bool {
	cur, ok := r.locks[port]
	if !ok || !r.expired(cur, now) {
		return false
	}
	delete(r.locks, port)
	r.notify(port, cur.Status, models.LockStatusIdle, cur.Owner)
	r.logger.Info("reclaimed expired port lock",
		"port", port,
		"owner", cur.Owner,
		"status", cur.Status,
		"idle_for", now.Sub(cur.LastActivity).Round(time.Second),
	)
	return true
}

type lockTransition struct {
	port     string
	from, to models.LockStatus
	owner    string
}

// notify queues a transition for delivery by flush. Caller must hold r.mu.
func (r *Registry) notify(port string, from, to models.LockStatus, owner string) {
	if r.observer != nil {
		r.pending = append(r.pending, lockTransition{port, from, to, owner})
	}
}

// flush delivers queued transitions. It must be called without r.mu held.
func (r *Registry) flush() {
	if r.observer == nil {
		return
	}
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, t := range pending {
		r.observer.LockTransition(t.port, t.from, t.to, t.owner)
	}
}
