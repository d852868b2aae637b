// Package sessions tracks active monitor sessions by token and port and
// routes start and stop requests to them.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/monitor"
)

var (
	// ErrInvalidPattern is returned for a stop pattern that does not compile.
	ErrInvalidPattern = errors.New("invalid stop pattern")
	// ErrInvalidOptions is returned for other malformed start requests.
	ErrInvalidOptions = errors.New("invalid session options")
	// ErrNotFound is returned when no session matches a token or port.
	ErrNotFound = errors.New("session not found")
	// ErrPortBusy is returned when a port already has an active session.
	ErrPortBusy = errors.New("port already has an active session")
)

const recentLimit = 100

// StartOptions is a request to monitor a port.
type StartOptions struct {
	Port         string `json:"port"`
	Baud         int    `json:"baud,omitempty"`
	AutoBaud     bool   `json:"autoBaud,omitempty"`
	MaxSeconds   int    `json:"maxSeconds,omitempty"`
	MaxLines     int    `json:"maxLines,omitempty"`
	StopPattern  string `json:"stopPattern,omitempty"`
	DetectReboot bool   `json:"detectReboot,omitempty"`
	Raw          bool   `json:"raw,omitempty"`
	Force        bool   `json:"force,omitempty"`
}

// Validate checks the request and compiles the stop pattern.
func (o StartOptions) Validate() (*regexp.Regexp, error) {
	if strings.TrimSpace(o.Port) == "" {
		return nil, fmt.Errorf("%w: port is required", ErrInvalidOptions)
	}
	if o.Baud < 0 || o.MaxSeconds < 0 || o.MaxLines < 0 {
		return nil, fmt.Errorf("%w: baud, maxSeconds and maxLines must not be negative", ErrInvalidOptions)
	}
	if o.StopPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(o.StopPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// Manager owns the active sessions.
type Manager struct {
	mu      sync.Mutex
	byToken map[string]*monitor.Session
	byPort  map[string]string
	recent  map[string]models.SessionSummary
	order   []string

	deps     monitor.Deps
	logger   *slog.Logger
	newToken func() string
}

// NewManager creates a manager that starts sessions with deps.
// deps.OnResolved, if set, is still called for every resolved session.
func NewManager(deps monitor.Deps, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Manager{
		byToken:  make(map[string]*monitor.Session),
		byPort:   make(map[string]string),
		recent:   make(map[string]models.SessionSummary),
		deps:     deps,
		logger:   logger.With("component", "sessions"),
		newToken: func() string { return strings.ToLower(ulid.Make().String()) },
	}
}

// Start validates opts and starts a session. Validation errors are
// returned before any lock is taken or process spawned.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (models.SessionInfo, error) {
	re, err := opts.Validate()
	if err != nil {
		return models.SessionInfo{}, err
	}

	m.mu.Lock()
	existing, busy := m.byPort[opts.Port]
	m.mu.Unlock()
	if busy {
		if !opts.Force {
			return models.SessionInfo{}, fmt.Errorf("%w: %s (token %s)", ErrPortBusy, opts.Port, existing)
		}
		if _, err := m.Stop(ctx, existing); err != nil && !errors.Is(err, ErrNotFound) {
			return models.SessionInfo{}, fmt.Errorf("stop existing session: %w", err)
		}
	}

	token := m.newToken()
	deps := m.deps
	upstream := m.deps.OnResolved
	deps.OnResolved = func(sum models.SessionSummary) {
		m.remove(sum)
		if upstream != nil {
			upstream(sum)
		}
	}

	s, err := monitor.Start(ctx, token, monitor.Options{
		Port:         opts.Port,
		Baud:         opts.Baud,
		AutoBaud:     opts.AutoBaud,
		MaxDuration:  time.Duration(opts.MaxSeconds) * time.Second,
		MaxLines:     opts.MaxLines,
		StopPattern:  re,
		DetectReboot: opts.DetectReboot,
		Raw:          opts.Raw,
		Force:        opts.Force,
	}, deps)
	if err != nil {
		return models.SessionInfo{}, err
	}

	m.mu.Lock()
	if _, resolved := m.recent[token]; !resolved {
		m.byToken[token] = s
		m.byPort[opts.Port] = token
	}
	m.mu.Unlock()

	m.logger.Info("session registered", "token", token, "port", opts.Port)
	return s.Info(), nil
}

func (m *Manager) remove(sum models.SessionSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byToken, sum.Token)
	if m.byPort[sum.Port] == sum.Token {
		delete(m.byPort, sum.Port)
	}
	m.recent[sum.Token] = sum
	m.order = append(m.order, sum.Token)
	if len(m.order) > recentLimit {
		delete(m.recent, m.order[0])
		m.order = m.order[1:]
	}
}

// lookup resolves a token or a port to an active session.
func (m *Manager) lookup(ref string) (*monitor.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byToken[ref]; ok {
		return s, true
	}
	if tok, ok := m.byPort[ref]; ok {
		s, ok := m.byToken[tok]
		return s, ok
	}
	return nil, false
}

// Stop stops the session identified by token or port and returns its
// terminal summary. Stopping an already resolved session returns the same
// summary again.
func (m *Manager) Stop(ctx context.Context, ref string) (models.SessionSummary, error) {
	if s, ok := m.lookup(ref); ok {
		return s.Stop(ctx)
	}
	m.mu.Lock()
	sum, ok := m.recent[ref]
	m.mu.Unlock()
	if ok {
		return sum, nil
	}
	return models.SessionSummary{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// StopAll stops every active session.
func (m *Manager) StopAll(ctx context.Context) []models.SessionSummary {
	m.mu.Lock()
	active := make([]*monitor.Session, 0, len(m.byToken))
	for _, s := range m.byToken {
		active = append(active, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	out := make([]models.SessionSummary, len(active))
	for i, s := range active {
		wg.Add(1)
		go func(i int, s *monitor.Session) {
			defer wg.Done()
			sum, err := s.Stop(ctx)
			if err != nil {
				m.logger.Warn("stop session", "token", s.Token(), "error", err)
			}
			out[i] = sum
		}(i, s)
	}
	wg.Wait()
	return out
}

// Get returns the live info of an active session.
func (m *Manager) Get(ref string) (models.SessionInfo, bool) {
	s, ok := m.lookup(ref)
	if !ok {
		return models.SessionInfo{}, false
	}
	return s.Info(), true
}

// Session returns the active session for a token or port.
func (m *Manager) Session(ref string) (*monitor.Session, bool) {
	return m.lookup(ref)
}

// Summary returns the terminal summary of a recently resolved session.
func (m *Manager) Summary(token string) (models.SessionSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.recent[token]
	return sum, ok
}

// List returns all active sessions, oldest first.
func (m *Manager) List() []models.SessionInfo {
	m.mu.Lock()
	out := make([]models.SessionInfo, 0, len(m.byToken))
	for _, s := range m.byToken {
		out = append(out, s.Info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
