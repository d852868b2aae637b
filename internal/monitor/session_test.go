package monitor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/serialmon/internal/baud"
	"github.com/joescharf/serialmon/internal/buffer"
	"github.com/joescharf/serialmon/internal/health"
	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/portlock"
	"github.com/joescharf/serialmon/internal/serialio"
)

type fakeProc struct {
	mu         sync.Mutex
	lines      chan serialio.Line
	exit       chan serialio.Exit
	closed     bool
	terminated int

	waitOnce sync.Once
	result   serialio.Exit
}

func newFakeProc() *fakeProc {
	return &fakeProc{lines: make(chan serialio.Line, 1000), exit: make(chan serialio.Exit, 1)}
}

func (p *fakeProc) Lines() <-chan serialio.Line { return p.lines }
func (p *fakeProc) Pid() int                    { return 4242 }

func (p *fakeProc) Wait() serialio.Exit {
	p.waitOnce.Do(func() { p.result = <-p.exit })
	return p.result
}

func (p *fakeProc) Terminate(time.Duration) {
	p.mu.Lock()
	p.terminated++
	p.mu.Unlock()
	p.finish(serialio.Exit{Code: -1, Signal: "terminated"})
}

func (p *fakeProc) emit(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, l := range lines {
		p.lines <- serialio.Line{Text: l}
	}
}

func (p *fakeProc) finish(exit serialio.Exit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.lines)
	p.exit <- exit
}

type fakeSpawner struct {
	proc  *fakeProc
	err   error
	calls []serialio.Command
}

func (f *fakeSpawner) Spawn(c serialio.Command) (serialio.Process, error) {
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	return f.proc, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingPublisher) Broadcast(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type memRecorder struct {
	mu   sync.Mutex
	logs []models.InstallLog
}

func (m *memRecorder) CreateInstallLog(_ context.Context, l *models.InstallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = fmt.Sprintf("log-%d", len(m.logs)+1)
	m.logs = append(m.logs, *l)
	return nil
}

type stubDetector struct{ res baud.Result }

func (d stubDetector) Detect(context.Context, string, int) baud.Result { return d.res }

type harness struct {
	deps     Deps
	spawner  *fakeSpawner
	proc     *fakeProc
	pub      *recordingPublisher
	rec      *memRecorder
	resolved chan models.SessionSummary
	bauds    []int
}

func newHarness() *harness {
	h := &harness{
		proc:     newFakeProc(),
		pub:      &recordingPublisher{},
		rec:      &memRecorder{},
		resolved: make(chan models.SessionSummary, 1),
	}
	h.spawner = &fakeSpawner{proc: h.proc}
	buf := buffer.NewStore(100)
	h.deps = Deps{
		Locks:     portlock.NewRegistry(portlock.DefaultConfig(), nil, nil),
		Buffer:    buf,
		Health:    health.NewClassifier(health.DefaultConfig(), health.DefaultTables(), buf, nil),
		Spawner:   h.spawner,
		Publisher: h.pub,
		Recorder:  h.rec,
		Command: func(port string, rate int) (serialio.Command, error) {
			h.bauds = append(h.bauds, rate)
			return serialio.BuildCommand("arduino-cli", nil, serialio.ArgData{Port: port, Baud: rate})
		},
		OnResolved: func(s models.SessionSummary) { h.resolved <- s },
	}
	return h
}

func wait(t *testing.T, s *Session) models.SessionSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := s.Wait(ctx)
	require.NoError(t, err)
	return sum
}

func TestSession_LineLimit(t *testing.T) {
	h := newHarness()
	s, err := Start(context.Background(), "tok1", Options{Port: "p1", MaxLines: 5}, h.deps)
	require.NoError(t, err)

	var lines []string
	for i := 1; i <= 8; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	h.proc.emit(lines...)

	sum := wait(t, s)
	assert.Equal(t, models.StopLineLimit, sum.Reason)
	assert.Equal(t, 5, sum.TotalLines)
	assert.Equal(t, "line 5", sum.LastLine)
	assert.Equal(t, 1, h.proc.terminated)
	require.NotNil(t, sum.ExitCode)
	assert.Equal(t, -1, *sum.ExitCode)

	// Lines still in flight when the stop began are buffered, not counted.
	assert.Equal(t, 8, h.deps.Buffer.Len("p1"))
	assert.Equal(t, models.LockStatusIdle, h.deps.Locks.State("p1").Status)
	assert.Equal(t, sum, <-h.resolved)
}

func TestSession_StopPattern(t *testing.T) {
	h := newHarness()
	s, err := Start(context.Background(), "tok", Options{Port: "p1", StopPattern: regexp.MustCompile(`READY`)}, h.deps)
	require.NoError(t, err)

	h.proc.emit("booting", "system READY", "after")
	sum := wait(t, s)
	assert.Equal(t, models.StopPatternMatch, sum.Reason)
	assert.Equal(t, 2, sum.TotalLines)
	assert.Equal(t, "system READY", sum.LastLine)
}

func TestSession_StopIsIdempotent(t *testing.T) {
	h := newHarness()
	s, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
	require.NoError(t, err)
	h.proc.emit("hello")

	var wg sync.WaitGroup
	results := make([]models.SessionSummary, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, err := s.Stop(context.Background())
			assert.NoError(t, err)
			results[i] = sum
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, models.StopManual, results[0].Reason)
	assert.Equal(t, 1, h.proc.terminated)
	assert.Len(t, h.pub.ofType(models.EventSerialEnd), 1)

	again, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, results[0], again)
}

func TestSession_NaturalExit(t *testing.T) {
	tests := []struct {
		name   string
		exit   serialio.Exit
		reason models.StopReason
		errMsg string
	}{
		{"clean exit completes", serialio.Exit{Code: 0}, models.StopCompleted, ""},
		{"non-zero exit is an error", serialio.Exit{Code: 2}, models.StopError, "reader exited with code 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			s, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
			require.NoError(t, err)

			h.proc.emit("a", "b")
			h.proc.finish(tt.exit)

			sum := wait(t, s)
			assert.Equal(t, tt.reason, sum.Reason)
			assert.Equal(t, 2, sum.TotalLines)
			require.NotNil(t, sum.ExitCode)
			assert.Equal(t, tt.exit.Code, *sum.ExitCode)
			assert.Equal(t, tt.errMsg, sum.Error)
		})
	}
}

func TestSession_TimeLimit(t *testing.T) {
	h := newHarness()
	s, err := Start(context.Background(), "tok", Options{Port: "p1", MaxDuration: 30 * time.Millisecond}, h.deps)
	require.NoError(t, err)

	sum := wait(t, s)
	assert.Equal(t, models.StopTimeLimit, sum.Reason)
	assert.GreaterOrEqual(t, sum.ElapsedSeconds, 0.03)
}

func TestSession_LockConflict(t *testing.T) {
	h := newHarness()
	require.True(t, h.deps.Locks.TryLock("p1", "upload", false).Success)

	_, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
	assert.ErrorIs(t, err, portlock.ErrConflict)
	assert.Contains(t, err.Error(), "upload")
	assert.Empty(t, h.spawner.calls)
}

func TestSession_SpawnFailureReleasesLock(t *testing.T) {
	h := newHarness()
	h.spawner.err = errors.New("exec: not found")

	s, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, models.LockStatusIdle, h.deps.Locks.State("p1").Status)
}

func TestSession_LockHeldWhileStreaming(t *testing.T) {
	h := newHarness()
	s, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
	require.NoError(t, err)

	st := h.deps.Locks.State("p1")
	assert.Equal(t, models.LockStatusMonitoring, st.Status)
	assert.Equal(t, "monitor:tok", st.Owner)
	assert.Equal(t, models.SessionStreaming, s.Info().State)

	_, err = s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.LockStatusIdle, h.deps.Locks.State("p1").Status)
}

func TestSession_AutoBaud(t *testing.T) {
	h := newHarness()
	h.deps.Detector = stubDetector{res: baud.Result{Baud: 921600, Score: 0.9, Found: true}}

	s, err := Start(context.Background(), "tok", Options{Port: "p1", Baud: 9600, AutoBaud: true}, h.deps)
	require.NoError(t, err)
	assert.Equal(t, []int{921600}, h.bauds)
	assert.Equal(t, 921600, s.Info().NegotiatedBaud)

	h.proc.finish(serialio.Exit{})
	sum := wait(t, s)
	assert.Equal(t, 921600, sum.Baud)
	assert.Equal(t, 9600, sum.RequestedBaud)
}

func TestSession_AutoBaudFallsBack(t *testing.T) {
	h := newHarness()
	h.deps.Detector = stubDetector{res: baud.Result{Score: 0.1}}

	s, err := Start(context.Background(), "tok", Options{Port: "p1", Baud: 57600, AutoBaud: true}, h.deps)
	require.NoError(t, err)
	assert.Equal(t, []int{57600}, h.bauds)
	assert.Equal(t, 0, s.Info().NegotiatedBaud)
	h.proc.finish(serialio.Exit{})
	wait(t, s)
}

func TestSession_BroadcastsSerialEvents(t *testing.T) {
	h := newHarness()
	s, err := Start(context.Background(), "tok", Options{Port: "p1", Baud: 9600}, h.deps)
	require.NoError(t, err)

	h.proc.emit("first", "second")
	h.proc.finish(serialio.Exit{})
	sum := wait(t, s)

	serial := h.pub.ofType(models.EventSerial)
	require.Len(t, serial, 2)
	first := serial[0].Data.(models.SerialLine)
	assert.Equal(t, "first", first.Line)
	assert.Equal(t, 1, first.LineNumber)
	assert.Equal(t, 9600, first.Baud)
	assert.Equal(t, "tok", first.Token)
	assert.Equal(t, 2, serial[1].Data.(models.SerialLine).LineNumber)

	end := h.pub.ofType(models.EventSerialEnd)
	require.Len(t, end, 1)
	assert.Equal(t, sum, end[0].Data)
}

func TestSession_RebootDetection(t *testing.T) {
	for _, detect := range []bool{true, false} {
		t.Run(fmt.Sprintf("detect=%v", detect), func(t *testing.T) {
			h := newHarness()
			s, err := Start(context.Background(), "tok", Options{Port: "p1", DetectReboot: detect}, h.deps)
			require.NoError(t, err)

			h.proc.emit("rst:0x1 (POWERON_RESET),boot:0x13 (SPI_FAST_FLASH_BOOT)")
			h.proc.finish(serialio.Exit{})
			sum := wait(t, s)

			assert.Equal(t, detect, sum.RebootDetected)
			assert.Equal(t, 1, h.deps.Health.Status("p1").TotalReboots, "classifier always runs")
		})
	}
}

func TestSession_InstallLog(t *testing.T) {
	h := newHarness()
	s, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
	require.NoError(t, err)

	h.proc.emit("=== DEVICE INFO ===", "Chip: ESP32-S3", "Flash Size: 8MB", "MAC: aa:bb:cc:dd:ee:ff", "starting app")
	h.proc.emit("[NETWORK INFO]", "IP: 192.168.1.20")
	h.proc.finish(serialio.Exit{})
	wait(t, s)

	require.Len(t, h.rec.logs, 2)
	assert.Equal(t, "DEVICE", h.rec.logs[0].Title)
	assert.Equal(t, map[string]string{"Chip": "ESP32-S3", "Flash Size": "8MB", "MAC": "aa:bb:cc:dd:ee:ff"}, h.rec.logs[0].Fields)
	assert.Equal(t, "NETWORK", h.rec.logs[1].Title, "open block flushed on exit")

	events := h.pub.ofType(models.EventInstallLog)
	require.Len(t, events, 2)
	assert.Equal(t, "log-1", events[0].Data.(models.InstallLog).ID)
}

func TestInfoParser(t *testing.T) {
	var p infoParser
	assert.Nil(t, p.feed("Chip: not in a block"))
	assert.Nil(t, p.feed("=== EMPTY INFO ==="))
	assert.Nil(t, p.feed(""), "empty block is dropped")

	assert.Nil(t, p.feed("=== A INFO ==="))
	assert.Nil(t, p.feed("k1: v1"))
	b := p.feed("=== B INFO ===")
	require.NotNil(t, b, "a new header closes the previous block")
	assert.Equal(t, "A", b.title)

	for i := 0; i < maxInfoFields-1; i++ {
		assert.Nil(t, p.feed(fmt.Sprintf("key%d: %d", i, i)))
	}
	b = p.feed("last: field")
	require.NotNil(t, b)
	assert.Len(t, b.fields, maxInfoFields)
	assert.Nil(t, p.flush())
}

func TestSession_SilentDeviceKeepsLock(t *testing.T) {
	h := newHarness()
	h.deps.Locks = portlock.NewRegistry(portlock.Config{Timeout: 200 * time.Millisecond, SweepInterval: time.Hour}, nil, nil)
	h.deps.TouchInterval = 40 * time.Millisecond

	s, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
	require.NoError(t, err)

	// No lines for twice the lock timeout.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, h.deps.Locks.Sweep())

	st := h.deps.Locks.State("p1")
	assert.Equal(t, models.LockStatusMonitoring, st.Status)
	assert.Equal(t, "monitor:tok", st.Owner)
	assert.False(t, h.deps.Locks.TryLock("p1", "upload:x", false).Success)
	assert.Equal(t, models.SessionStreaming, s.Info().State)

	_, err = s.Stop(context.Background())
	require.NoError(t, err)
}

func TestSession_PanicInOnResolvedReleasesWaiters(t *testing.T) {
	h := newHarness()
	h.deps.OnResolved = func(models.SessionSummary) { panic("store exploded") }

	s, err := Start(context.Background(), "tok", Options{Port: "p1"}, h.deps)
	require.NoError(t, err)
	h.proc.emit("hello")
	h.proc.finish(serialio.Exit{})

	sum := wait(t, s)
	assert.Equal(t, models.StopCompleted, sum.Reason)
	assert.Equal(t, 1, sum.TotalLines)
	assert.Equal(t, models.LockStatusIdle, h.deps.Locks.State("p1").Status)

	again, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum, again)
}
