// Package supervisor wires the port lock registry, ring buffers, health
// classifier, broadcaster and session manager together and exposes the
// control surface used by the CLI, HTTP API and MCP server.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/serialmon/internal/baud"
	"github.com/joescharf/serialmon/internal/broadcast"
	"github.com/joescharf/serialmon/internal/buffer"
	"github.com/joescharf/serialmon/internal/health"
	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/monitor"
	"github.com/joescharf/serialmon/internal/portlock"
	"github.com/joescharf/serialmon/internal/serialio"
	"github.com/joescharf/serialmon/internal/sessions"
	"github.com/joescharf/serialmon/internal/store"
	"github.com/joescharf/serialmon/internal/toolchain"
)

// ErrNoStore is returned by history queries when persistence is disabled.
var ErrNoStore = errors.New("history store not configured")

// Config collects the settings of every component.
type Config struct {
	Lock           portlock.Config
	BufferCapacity int
	Health         health.Config
	Baud           baud.Config
	DefaultBaud    int

	MonitorCommand string
	MonitorArgs    []string
	UsePTY         bool
	StopGrace      time.Duration

	Broadcast        broadcast.Config
	ToolchainCommand string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Lock:             portlock.DefaultConfig(),
		BufferCapacity:   buffer.DefaultCapacity,
		Health:           health.DefaultConfig(),
		Baud:             baud.DefaultConfig(),
		DefaultBaud:      monitor.DefaultBaud,
		MonitorCommand:   "arduino-cli",
		MonitorArgs:      serialio.DefaultMonitorArgs,
		StopGrace:        monitor.DefaultStopGrace,
		Broadcast:        broadcast.DefaultConfig(),
		ToolchainCommand: "arduino-cli",
	}
}

// Options inject collaborators. Zero values select the real
// implementations.
type Options struct {
	Store      store.Store
	Spawner    serialio.Spawner
	Opener     baud.Opener
	Runner     toolchain.Runner
	PortLister func() ([]models.PortInfo, error)
	Logger     *slog.Logger
}

// Supervisor owns all per-process registries.
type Supervisor struct {
	Locks       *portlock.Registry
	Buffer      *buffer.Store
	Classifier  *health.Classifier
	Broadcaster *broadcast.Broadcaster
	Sessions    *sessions.Manager
	Toolchain   *toolchain.Toolchain

	config    Config
	store     store.Store
	listPorts func() ([]models.PortInfo, error)
	logger    *slog.Logger
}

// New builds a supervisor. Call Start to begin background work.
func New(cfg Config, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultBaud <= 0 {
		cfg.DefaultBaud = monitor.DefaultBaud
	}
	if cfg.MonitorCommand == "" {
		cfg.MonitorCommand = "arduino-cli"
	}

	sv := &Supervisor{
		config:    cfg,
		store:     opts.Store,
		listPorts: opts.PortLister,
		logger:    logger.With("component", "supervisor"),
	}
	if sv.listPorts == nil {
		sv.listPorts = serialio.ListPorts
	}

	sv.Locks = portlock.NewRegistry(cfg.Lock, portlock.ObserverFunc(sv.lockTransition), logger)
	sv.Buffer = buffer.NewStore(cfg.BufferCapacity)
	sv.Classifier = health.NewClassifier(cfg.Health, health.DefaultTables(), sv.Buffer, logger)
	sv.Classifier.OnReboot(sv.recordReboot)
	sv.Broadcaster = broadcast.New(cfg.Broadcast, logger)
	sv.Toolchain = toolchain.New(cfg.ToolchainCommand, sv.Locks, opts.Runner, logger)

	spawner := opts.Spawner
	if spawner == nil {
		spawner = serialio.ExecSpawner{Logger: logger}
		if cfg.UsePTY {
			spawner = serialio.PTYSpawner{Logger: logger}
		}
	}

	deps := monitor.Deps{
		Locks:      sv.Locks,
		Buffer:     sv.Buffer,
		Health:     sv.Classifier,
		Detector:   baud.NewNegotiator(opts.Opener, cfg.Baud, logger),
		Spawner:    spawner,
		Command:    sv.readerCommand,
		Publisher:  sv.Broadcaster,
		StopGrace:  cfg.StopGrace,
		Logger:     logger,
		OnResolved: sv.recordSession,

		TouchInterval: touchInterval(cfg.Lock.Timeout),
	}
	if opts.Store != nil {
		deps.Recorder = opts.Store
	}
	sv.Sessions = sessions.NewManager(deps, logger)
	return sv
}

// Start launches the lock sweeper and broadcaster heartbeat.
func (sv *Supervisor) Start(ctx context.Context) {
	sv.Locks.Start(ctx)
	sv.Broadcaster.Start(ctx)
}

// Close stops every session and background loop.
func (sv *Supervisor) Close(ctx context.Context) {
	sums := sv.Sessions.StopAll(ctx)
	if len(sums) > 0 {
		sv.logger.Info("stopped sessions on shutdown", "count", len(sums))
	}
	sv.Locks.Stop()
	sv.Broadcaster.Stop()
}

// touchInterval keeps monitor locks refreshed well inside the lock timeout.
func touchInterval(lockTimeout time.Duration) time.Duration {
	if lockTimeout <= 0 {
		return monitor.DefaultTouchInterval
	}
	return min(monitor.DefaultTouchInterval, lockTimeout/4)
}

func (sv *Supervisor) readerCommand(port string, rate int) (serialio.Command, error) {
	return serialio.BuildCommand(sv.config.MonitorCommand, sv.config.MonitorArgs, serialio.ArgData{Port: port, Baud: rate})
}

func (sv *Supervisor) lockTransition(port string, from, to models.LockStatus, owner string) {
	sv.logger.Debug("lock transition", "port", port, "from", from, "to", to, "owner", owner)
}

func (sv *Supervisor) recordReboot(e models.RebootEvent) {
	if sv.store == nil {
		return
	}
	if err := sv.store.CreateRebootEvent(context.Background(), &e); err != nil {
		sv.logger.Warn("record reboot event", "port", e.Port, "error", err)
	}
}

func (sv *Supervisor) recordSession(sum models.SessionSummary) {
	if sv.store == nil {
		return
	}
	if err := sv.store.CreateSession(context.Background(), &sum); err != nil {
		sv.logger.Warn("record session", "token", sum.Token, "error", err)
	}
}

// --- Sessions ---

// StartMonitor starts a monitor session on a port.
func (sv *Supervisor) StartMonitor(ctx context.Context, opts sessions.StartOptions) (models.SessionInfo, error) {
	if opts.Baud == 0 {
		opts.Baud = sv.config.DefaultBaud
	}
	return sv.Sessions.Start(ctx, opts)
}

// StopMonitor stops a session by token or port.
func (sv *Supervisor) StopMonitor(ctx context.Context, ref string) (models.SessionSummary, error) {
	return sv.Sessions.Stop(ctx, ref)
}

// ListSessions returns the active sessions.
func (sv *Supervisor) ListSessions() []models.SessionInfo {
	return sv.Sessions.List()
}

// WaitSession blocks until the session resolves.
func (sv *Supervisor) WaitSession(ctx context.Context, ref string) (models.SessionSummary, error) {
	s, ok := sv.Sessions.Session(ref)
	if !ok {
		if sum, ok := sv.Sessions.Summary(ref); ok {
			return sum, nil
		}
		return models.SessionSummary{}, fmt.Errorf("%w: %s", sessions.ErrNotFound, ref)
	}
	return s.Wait(ctx)
}

// --- Health and locks ---

// Health returns the health snapshot of one port.
func (sv *Supervisor) Health(port string) models.HealthStatus {
	return sv.Classifier.Status(port)
}

// HealthAll returns snapshots for every port seen.
func (sv *Supervisor) HealthAll() []models.HealthStatus {
	return sv.Classifier.StatusAll()
}

// LastReboot returns the most recent reboot on port, from memory or, when
// it has aged out, from the history store.
func (sv *Supervisor) LastReboot(ctx context.Context, port string) (*models.RebootEvent, error) {
	if events := sv.Classifier.RecentReboots(port); len(events) > 0 {
		e := events[len(events)-1]
		return &e, nil
	}
	if sv.store == nil {
		return nil, nil
	}
	events, err := sv.store.ListRebootEvents(ctx, store.ListFilter{Port: port, Limit: 1})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// LockState returns the lock state of one port.
func (sv *Supervisor) LockState(port string) models.PortLockState {
	return sv.Locks.State(port)
}

// LockStates returns every non-idle lock.
func (sv *Supervisor) LockStates() []models.PortLockState {
	return sv.Locks.States()
}

// --- Buffer ---

// Capture registers a capture condition and waits for it to resolve. If
// ctx ends first the capture is cancelled.
func (sv *Supervisor) Capture(ctx context.Context, opts buffer.CaptureOptions) (buffer.CaptureResult, error) {
	c, err := sv.Buffer.StartCapture(opts)
	if err != nil {
		return buffer.CaptureResult{}, err
	}
	res, err := c.Wait(ctx)
	if err != nil {
		sv.Buffer.CancelCapture(c.ID)
		return c.Result(), nil
	}
	return res, nil
}

// Ports enumerates serial ports on the host.
func (sv *Supervisor) Ports() ([]models.PortInfo, error) {
	return sv.listPorts()
}

// --- Toolchain ---

// Compile runs the toolchain compile step.
func (sv *Supervisor) Compile(ctx context.Context, req toolchain.Request) (toolchain.Result, error) {
	if req.StopMonitor && req.Port != "" {
		sv.stopMonitorOn(ctx, req.Port)
	}
	return sv.Toolchain.Compile(ctx, req)
}

// Upload flashes a sketch, optionally stopping a monitor on the port first.
func (sv *Supervisor) Upload(ctx context.Context, req toolchain.Request) (toolchain.Result, error) {
	if req.StopMonitor {
		sv.stopMonitorOn(ctx, req.Port)
	}
	return sv.Toolchain.Upload(ctx, req)
}

func (sv *Supervisor) stopMonitorOn(ctx context.Context, port string) {
	sum, err := sv.Sessions.Stop(ctx, port)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
	case err != nil:
		sv.logger.Warn("stop monitor before toolchain", "port", port, "error", err)
	default:
		sv.logger.Info("stopped monitor for toolchain", "port", port, "token", sum.Token)
	}
}

// --- History ---

// History lists persisted session summaries.
func (sv *Supervisor) History(ctx context.Context, f store.ListFilter) ([]*models.SessionSummary, error) {
	if sv.store == nil {
		return nil, ErrNoStore
	}
	return sv.store.ListSessions(ctx, f)
}

// HistorySession returns one persisted session by id or token.
func (sv *Supervisor) HistorySession(ctx context.Context, id string) (*models.SessionSummary, error) {
	if sv.store == nil {
		return nil, ErrNoStore
	}
	return sv.store.GetSession(ctx, id)
}

// Reboots lists persisted reboot events.
func (sv *Supervisor) Reboots(ctx context.Context, f store.ListFilter) ([]*models.RebootEvent, error) {
	if sv.store == nil {
		return nil, ErrNoStore
	}
	return sv.store.ListRebootEvents(ctx, f)
}

// InstallLogs lists persisted install-log records.
func (sv *Supervisor) InstallLogs(ctx context.Context, f store.ListFilter) ([]*models.InstallLog, error) {
	if sv.store == nil {
		return nil, ErrNoStore
	}
	return sv.store.ListInstallLogs(ctx, f)
}
