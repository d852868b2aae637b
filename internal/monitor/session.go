// Package monitor runs a single supervised serial stream: it takes the
// port lock, optionally negotiates the baud rate, spawns the reader and
// pumps every line through the buffer, health classifier and broadcaster
// until a stop condition resolves the session.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/joescharf/serialmon/internal/baud"
	"github.com/joescharf/serialmon/internal/buffer"
	"github.com/joescharf/serialmon/internal/health"
	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/portlock"
	"github.com/joescharf/serialmon/internal/serialio"
)

// ErrSpawn is returned when the reader process could not be started.
var ErrSpawn = errors.New("spawn reader")

const (
	DefaultBaud      = 115200
	DefaultStopGrace = 3 * time.Second

	// DefaultTouchInterval is how often a streaming session refreshes its
	// port lock, whether or not the device is printing.
	DefaultTouchInterval = 5 * time.Second
)

// OwnerPrefix prefixes the lock owner tag of monitor sessions.
const OwnerPrefix = "monitor:"

// Options configure one session.
type Options struct {
	Port         string
	Baud         int
	AutoBaud     bool
	MaxDuration  time.Duration
	MaxLines     int
	StopPattern  *regexp.Regexp
	DetectReboot bool
	Raw          bool
	Force        bool
}

// Detector negotiates a baud rate.
type Detector interface {
	Detect(ctx context.Context, port string, current int) baud.Result
}

// Publisher receives session events.
type Publisher interface {
	Broadcast(models.Event)
}

// Recorder persists install-log blocks.
type Recorder interface {
	CreateInstallLog(ctx context.Context, l *models.InstallLog) error
}

// CommandFunc builds the reader invocation for a port and baud.
type CommandFunc func(port string, baud int) (serialio.Command, error)

// Deps are the shared collaborators a session works with.
type Deps struct {
	Locks     *portlock.Registry
	Buffer    *buffer.Store
	Health    *health.Classifier
	Detector  Detector
	Spawner   serialio.Spawner
	Command   CommandFunc
	Publisher Publisher
	Recorder  Recorder
	StopGrace time.Duration
	Logger    *slog.Logger

	// TouchInterval must be shorter than the lock timeout.
	TouchInterval time.Duration

	// OnResolved is called once with the terminal summary, before waiters
	// are released.
	OnResolved func(models.SessionSummary)
}

type inputKind int

const (
	inputLine inputKind = iota
	inputExit
	inputTimer
	inputStop
	inputTouch
)

type input struct {
	kind inputKind
	line serialio.Line
	exit serialio.Exit
}

// Session is a running monitor. All state changes happen on its own
// goroutine; the exported methods only read snapshots or post inputs.
type Session struct {
	token string
	owner string
	opts  Options
	deps  Deps

	logger *slog.Logger
	now    func() time.Time

	in       chan input
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}

	proc     serialio.Process
	timer    *time.Timer
	received int
	info     infoParser
	resolved bool

	mu      sync.Mutex
	state   models.SessionInfo
	summary models.SessionSummary
}

// Start acquires the port, negotiates the baud rate if asked and spawns the
// reader. On error nothing is left running and the lock is released.
func Start(ctx context.Context, token string, opts Options, deps Deps) (*Session, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.StopGrace <= 0 {
		deps.StopGrace = DefaultStopGrace
	}
	if deps.TouchInterval <= 0 {
		deps.TouchInterval = DefaultTouchInterval
	}
	if opts.Baud <= 0 {
		opts.Baud = DefaultBaud
	}

	s := &Session{
		token:  token,
		owner:  OwnerPrefix + token,
		opts:   opts,
		deps:   deps,
		logger: deps.Logger.With("component", "monitor", "token", token, "port", opts.Port),
		now:    time.Now,
		in:     make(chan input, 256),
		done:   make(chan struct{}),
	}
	s.state = models.SessionInfo{
		Token:         token,
		Port:          opts.Port,
		RequestedBaud: opts.Baud,
		State:         models.SessionStarting,
		StartedAt:     s.now(),
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	res := s.deps.Locks.TryLock(s.opts.Port, s.owner, s.opts.Force)
	if !res.Success {
		return res.Err()
	}

	rate := s.opts.Baud
	if s.opts.AutoBaud && s.deps.Detector != nil {
		s.setState(models.SessionBaudDetecting)
		if r := s.deps.Detector.Detect(ctx, s.opts.Port, s.opts.Baud); r.Found {
			rate = r.Baud
			s.mu.Lock()
			s.state.NegotiatedBaud = rate
			s.mu.Unlock()
		} else {
			s.logger.Info("auto-baud inconclusive, using requested rate", "baud", rate)
		}
	}

	cmd, err := s.deps.Command(s.opts.Port, rate)
	if err != nil {
		s.deps.Locks.ReleaseOwned(s.opts.Port, s.owner)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	proc, err := s.deps.Spawner.Spawn(cmd)
	if err != nil {
		s.deps.Locks.ReleaseOwned(s.opts.Port, s.owner)
		return fmt.Errorf("%w: %s: %v", ErrSpawn, cmd.Path, err)
	}
	s.proc = proc

	if _, err := s.deps.Locks.SetState(s.opts.Port, models.LockStatusMonitoring, portlock.Meta{Owner: s.owner}); err != nil {
		s.logger.Warn("set lock state", "error", err)
	}
	s.setState(models.SessionStreaming)
	s.logger.Info("session started", "baud", rate, "pid", proc.Pid(), "command", cmd.String())

	if s.opts.MaxDuration > 0 {
		s.timer = time.AfterFunc(s.opts.MaxDuration, func() { s.post(input{kind: inputTimer}) })
	}
	go s.pump()
	go s.keepAlive()
	go s.run()
	return nil
}

// Token returns the session token.
func (s *Session) Token() string { return s.token }

// Port returns the monitored port.
func (s *Session) Port() string { return s.opts.Port }

// Done is closed once the session has resolved.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the live session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Summary returns the terminal summary once resolved.
func (s *Session) Summary() (models.SessionSummary, bool) {
	select {
	case <-s.done:
	default:
		return models.SessionSummary{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary, true
}

// Wait blocks until the session resolves or ctx is done.
func (s *Session) Wait(ctx context.Context) (models.SessionSummary, error) {
	select {
	case <-s.done:
		sum, _ := s.Summary()
		return sum, nil
	case <-ctx.Done():
		return models.SessionSummary{}, ctx.Err()
	}
}

// Stop requests a manual stop and waits for resolution. It is safe to call
// repeatedly and concurrently with natural termination; every caller gets
// the same summary.
func (s *Session) Stop(ctx context.Context) (models.SessionSummary, error) {
	s.stopOnce.Do(func() { s.post(input{kind: inputStop}) })
	return s.Wait(ctx)
}

func (s *Session) post(in input) {
	select {
	case s.in <- in:
	case <-s.done:
	}
}

// pump forwards reader output, then the exit status, in order.
func (s *Session) pump() {
	for l := range s.proc.Lines() {
		s.post(input{kind: inputLine, line: l})
	}
	s.post(input{kind: inputExit, exit: s.proc.Wait()})
}

// keepAlive posts a touch input every TouchInterval so a silent device
// keeps its lock until the session resolves.
func (s *Session) keepAlive() {
	t := time.NewTicker(s.deps.TouchInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.post(input{kind: inputTouch})
		}
	}
}

func (s *Session) run() {
	defer s.closeDone()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", "panic", r)
			s.proc.Terminate(0)
			if s.resolved {
				s.mu.Lock()
				if s.summary.Token == "" {
					s.summary = models.SessionSummary{
						Token:  s.token,
						Port:   s.opts.Port,
						Reason: models.StopError,
						Error:  fmt.Sprintf("panic: %v", r),
					}
				}
				s.mu.Unlock()
				s.deps.Locks.ReleaseOwned(s.opts.Port, s.owner)
				return
			}
			s.resolveRecovered(serialio.Exit{Code: -1, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	for in := range s.in {
		switch in.kind {
		case inputLine:
			s.handleLine(in.line)
		case inputTimer:
			s.beginStop(models.StopTimeLimit)
		case inputStop:
			s.beginStop(models.StopManual)
		case inputTouch:
			s.touch()
		case inputExit:
			s.resolve(in.exit, "")
			return
		}
	}
}

func (s *Session) handleLine(l serialio.Line) {
	now := s.now()
	s.received++

	s.deps.Buffer.Push(s.opts.Port, l.Text)
	obs := s.deps.Health.Feed(s.opts.Port, l.Text)
	if b := s.info.feed(l.Text); b != nil {
		s.emitInstallLog(b)
	}

	s.mu.Lock()
	streaming := s.state.State == models.SessionStreaming
	if streaming {
		s.state.LineCount++
		s.state.LastLine = l.Text
		if s.opts.DetectReboot && obs.Reboot != nil {
			s.state.RebootDetected = true
		}
	}
	baudRate := s.effectiveBaudLocked()
	s.mu.Unlock()

	s.publish(models.EventSerial, models.SerialLine{
		Token:      s.token,
		Port:       s.opts.Port,
		Line:       l.Text,
		Raw:        s.opts.Raw,
		LineNumber: s.received,
		Baud:       baudRate,
		Timestamp:  now,
		Stream:     l.Stream,
		Reboot:     obs.Reboot != nil,
	})

	if !streaming {
		return
	}

	switch {
	case s.opts.StopPattern != nil && s.opts.StopPattern.MatchString(l.Text):
		s.beginStop(models.StopPatternMatch)
	case s.opts.MaxLines > 0 && s.Info().LineCount >= s.opts.MaxLines:
		s.beginStop(models.StopLineLimit)
	}
}

func (s *Session) touch() {
	if s.resolved {
		return
	}
	if !s.deps.Locks.Touch(s.opts.Port, s.owner) {
		s.logger.Warn("port lock lost", "owner", s.owner, "lock", s.deps.Locks.State(s.opts.Port).Status)
	}
}

// beginStop records the first stop reason and terminates the reader. The
// session resolves when the reader actually exits.
func (s *Session) beginStop(reason models.StopReason) {
	s.mu.Lock()
	if s.state.State != models.SessionStreaming {
		s.mu.Unlock()
		return
	}
	s.state.State = models.SessionStopping
	s.state.StopReason = reason
	s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.logger.Info("session stopping", "reason", reason)
	s.proc.Terminate(s.deps.StopGrace)
}

func (s *Session) resolve(exit serialio.Exit, forced models.StopReason) {
	s.resolved = true
	if s.timer != nil {
		s.timer.Stop()
	}
	if b := s.info.flush(); b != nil {
		s.emitInstallLog(b)
	}

	ended := s.now()
	s.mu.Lock()
	reason := s.state.StopReason
	switch {
	case forced != "":
		reason = forced
	case reason != "":
	case exit.Err != nil || exit.Code != 0:
		reason = models.StopError
	default:
		reason = models.StopCompleted
	}
	s.state.State = models.SessionResolved
	s.state.StopReason = reason

	sum := models.SessionSummary{
		Token:          s.token,
		Port:           s.opts.Port,
		Baud:           s.effectiveBaudLocked(),
		RequestedBaud:  s.state.RequestedBaud,
		NegotiatedBaud: s.state.NegotiatedBaud,
		Reason:         reason,
		StartedAt:      s.state.StartedAt,
		EndedAt:        ended,
		ElapsedSeconds: ended.Sub(s.state.StartedAt).Seconds(),
		TotalLines:     s.state.LineCount,
		RebootDetected: s.state.RebootDetected,
		LastLine:       s.state.LastLine,
	}
	if exit.Err == nil || exit.Code >= 0 {
		code := exit.Code
		sum.ExitCode = &code
	}
	switch {
	case exit.Err != nil:
		sum.Error = exit.Err.Error()
	case reason == models.StopError:
		sum.Error = fmt.Sprintf("reader exited with code %d", exit.Code)
	}
	s.summary = sum
	s.mu.Unlock()

	s.deps.Locks.ReleaseOwned(s.opts.Port, s.owner)
	s.publish(models.EventSerialEnd, sum)
	s.logger.Info("session resolved",
		"reason", sum.Reason,
		"lines", sum.TotalLines,
		"elapsed", ended.Sub(sum.StartedAt).Round(time.Millisecond),
		"reboot_detected", sum.RebootDetected,
	)

	if s.deps.OnResolved != nil {
		s.deps.OnResolved(sum)
	}
	s.closeDone()
}

// resolveRecovered resolves after a panic in the session loop. A second
// panic is logged and swallowed; waiters are released by closeDone.
func (s *Session) resolveRecovered(exit serialio.Exit) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic during resolve", "panic", r)
		}
	}()
	s.resolve(exit, models.StopError)
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) emitInstallLog(b *infoBlock) {
	l := models.InstallLog{
		Token:     s.token,
		Port:      s.opts.Port,
		Title:     b.title,
		Fields:    b.fields,
		CreatedAt: s.now(),
	}
	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.CreateInstallLog(context.Background(), &l); err != nil {
			s.logger.Warn("record install log", "error", err)
		}
	}
	s.publish(models.EventInstallLog, l)
}

func (s *Session) publish(t models.EventType, data any) {
	if s.deps.Publisher == nil {
		return
	}
	s.deps.Publisher.Broadcast(models.Event{Type: t, Timestamp: s.now(), Data: data})
}

func (s *Session) setState(st models.SessionState) {
	s.mu.Lock()
	s.state.State = st
	s.mu.Unlock()
}

func (s *Session) effectiveBaudLocked() int {
	if s.state.NegotiatedBaud > 0 {
		return s.state.NegotiatedBaud
	}
	return s.state.RequestedBaud
}
