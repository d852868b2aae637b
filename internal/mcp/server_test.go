package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/serialmon/internal/buffer"
	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/serialio"
	"github.com/joescharf/serialmon/internal/sessions"
	"github.com/joescharf/serialmon/internal/supervisor"
	"github.com/joescharf/serialmon/internal/toolchain"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProc struct {
	lines chan serialio.Line
	once  sync.Once
}

func (p *fakeProc) Lines() <-chan serialio.Line { return p.lines }
func (p *fakeProc) Pid() int                    { return 9 }
func (p *fakeProc) Wait() serialio.Exit         { return serialio.Exit{Code: -1, Signal: "terminated"} }
func (p *fakeProc) Terminate(time.Duration)     { p.once.Do(func() { close(p.lines) }) }

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (s *fakeSpawner) Spawn(serialio.Command) (serialio.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fakeProc{lines: make(chan serialio.Line, 16)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type fakeRunner struct{ code int }

func (r *fakeRunner) Run(context.Context, serialio.Command) (int, string, string, error) {
	return r.code, "", "", nil
}

func newTestServer(t *testing.T) (*Server, *supervisor.Supervisor, *fakeSpawner, *fakeRunner) {
	t.Helper()
	sp := &fakeSpawner{}
	runner := &fakeRunner{}
	sv := supervisor.New(supervisor.DefaultConfig(), supervisor.Options{
		Spawner: sp,
		Runner:  runner,
		PortLister: func() ([]models.PortInfo, error) {
			return []models.PortInfo{{Name: "/dev/ttyUSB0"}, {Name: "/dev/ttyUSB1"}}, nil
		},
	})
	sv.Start(context.Background())
	t.Cleanup(func() { sv.Close(context.Background()) })

	srv := NewServer(sv, nil)
	require.NotNil(t, srv)
	return srv, sv, sp, runner
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func TestMCPServer_Creates(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
}

// ---------------------------------------------------------------------------
// Ports and sessions
// ---------------------------------------------------------------------------

func TestHandleListPorts(t *testing.T) {
	srv, sv, _, _ := newTestServer(t)
	ctx := context.Background()
	_, err := sv.StartMonitor(ctx, startOpts("/dev/ttyUSB1"))
	require.NoError(t, err)

	result, err := srv.handleListPorts(ctx, callToolReq("serial_list_ports", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var ports []struct {
		Name string            `json:"name"`
		Lock models.LockStatus `json:"lock"`
	}
	resultJSON(t, result, &ports)
	require.Len(t, ports, 2)
	assert.Equal(t, models.LockStatusIdle, ports[0].Lock)
	assert.Equal(t, models.LockStatusMonitoring, ports[1].Lock)
}

func TestHandleStartStopMonitor(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStartMonitor(ctx, callToolReq("serial_start_monitor", map[string]any{
		"port": "/dev/ttyUSB0",
		"baud": float64(9600),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var info models.SessionInfo
	resultJSON(t, result, &info)
	assert.Equal(t, 9600, info.RequestedBaud)

	result, err = srv.handleListSessions(ctx, callToolReq("serial_list_sessions", nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), info.Token)

	result, err = srv.handleStopMonitor(ctx, callToolReq("serial_stop_monitor", map[string]any{"token": info.Token}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var sum models.SessionSummary
	resultJSON(t, result, &sum)
	assert.Equal(t, models.StopManual, sum.Reason)

	result, err = srv.handleListSessions(ctx, callToolReq("serial_list_sessions", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleStartMonitor_Wait(t *testing.T) {
	srv, sv, sp, _ := newTestServer(t)
	ctx := context.Background()
	sv.Buffer.Push("/dev/ttyUSB0", "old line")

	go func() {
		for len(sv.ListSessions()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		p := sp.last()
		p.lines <- serialio.Line{Text: "booting"}
		p.lines <- serialio.Line{Text: "READY"}
	}()

	result, err := srv.handleStartMonitor(ctx, callToolReq("serial_start_monitor", map[string]any{
		"port":         "/dev/ttyUSB0",
		"stop_pattern": "READY",
		"wait":         true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		Summary models.SessionSummary `json:"summary"`
		Lines   []string              `json:"lines"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, models.StopPatternMatch, out.Summary.Reason)
	assert.Equal(t, []string{"booting", "READY"}, out.Lines)
}

func TestHandleStartMonitor_Errors(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStartMonitor(ctx, callToolReq("serial_start_monitor", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError, "should error when port is missing")

	result, err = srv.handleStartMonitor(ctx, callToolReq("serial_start_monitor", map[string]any{
		"port":         "/dev/ttyUSB0",
		"stop_pattern": "([",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid stop pattern")
}

func TestHandleStopMonitor_Errors(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStopMonitor(ctx, callToolReq("serial_stop_monitor", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleStopMonitor(ctx, callToolReq("serial_stop_monitor", map[string]any{"port": "/dev/nothing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session not found")
}

// ---------------------------------------------------------------------------
// Buffer
// ---------------------------------------------------------------------------

func TestHandleReadBuffer(t *testing.T) {
	srv, sv, _, _ := newTestServer(t)
	ctx := context.Background()
	for _, l := range []string{"a", "b", "c"} {
		sv.Buffer.Push("p1", l)
	}

	result, err := srv.handleReadBuffer(ctx, callToolReq("serial_read_buffer", map[string]any{"port": "p1", "lines": float64(2)}))
	require.NoError(t, err)
	var lines []models.BufferedLine
	resultJSON(t, result, &lines)
	require.Len(t, lines, 2)
	assert.Equal(t, "b", lines[0].Text)

	result, err = srv.handleReadBuffer(ctx, callToolReq("serial_read_buffer", map[string]any{"port": "p1", "since_seq": float64(lines[0].Seq)}))
	require.NoError(t, err)
	resultJSON(t, result, &lines)
	require.Len(t, lines, 1)
	assert.Equal(t, "c", lines[0].Text)

	result, err = srv.handleReadBuffer(ctx, callToolReq("serial_read_buffer", map[string]any{"port": "empty"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleSearchBuffer(t *testing.T) {
	srv, sv, _, _ := newTestServer(t)
	ctx := context.Background()
	sv.Buffer.Push("p1", "E (100) wifi: timeout")
	sv.Buffer.Push("p1", "I (200) main: ok")

	result, err := srv.handleSearchBuffer(ctx, callToolReq("serial_search_buffer", map[string]any{"port": "p1", "pattern": `^E \(`}))
	require.NoError(t, err)
	var lines []models.BufferedLine
	resultJSON(t, result, &lines)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Text, "timeout")

	result, err = srv.handleSearchBuffer(ctx, callToolReq("serial_search_buffer", map[string]any{"port": "p1", "pattern": "("}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleSearchBuffer(ctx, callToolReq("serial_search_buffer", map[string]any{"port": "p1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "should error when pattern is missing")
}

func TestHandleWaitFor(t *testing.T) {
	srv, sv, _, _ := newTestServer(t)
	ctx := context.Background()

	go func() {
		for sv.Buffer.ActiveCaptures() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		sv.Buffer.Push("p1", "one")
		sv.Buffer.Push("p1", "two")
	}()

	result, err := srv.handleWaitFor(ctx, callToolReq("serial_wait_for", map[string]any{
		"port":            "p1",
		"max_lines":       float64(2),
		"timeout_seconds": float64(5),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var res buffer.CaptureResult
	resultJSON(t, result, &res)
	assert.Equal(t, buffer.ReasonMaxLines, res.Reason)
	assert.Len(t, res.Lines, 2)
}

func TestHandleWaitFor_Timeout(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	result, err := srv.handleWaitFor(context.Background(), callToolReq("serial_wait_for", map[string]any{
		"port":            "p1",
		"pattern":         "never",
		"timeout_seconds": 0.05,
	}))
	require.NoError(t, err)
	var res buffer.CaptureResult
	resultJSON(t, result, &res)
	assert.False(t, res.Success)
	assert.Equal(t, buffer.ReasonTimeout, res.Reason)
}

// ---------------------------------------------------------------------------
// Health and locks
// ---------------------------------------------------------------------------

func TestHandleDeviceHealth(t *testing.T) {
	srv, sv, _, _ := newTestServer(t)
	ctx := context.Background()
	sv.Classifier.Feed("p1", "Brownout detector was triggered")

	result, err := srv.handleDeviceHealth(ctx, callToolReq("device_health", map[string]any{"port": "p1"}))
	require.NoError(t, err)
	var status models.HealthStatus
	resultJSON(t, result, &status)
	assert.Equal(t, 1, status.TotalReboots)
	require.NotNil(t, status.LastReboot)
	assert.Equal(t, models.RebootBrownout, status.LastReboot.Category)

	result, err = srv.handleDeviceHealth(ctx, callToolReq("device_health", nil))
	require.NoError(t, err)
	var all []models.HealthStatus
	resultJSON(t, result, &all)
	assert.Len(t, all, 1)
}

func TestHandlePortLockState(t *testing.T) {
	srv, sv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handlePortLockState(ctx, callToolReq("port_lock_state", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))

	_, err = sv.StartMonitor(ctx, startOpts("p1"))
	require.NoError(t, err)

	result, err = srv.handlePortLockState(ctx, callToolReq("port_lock_state", map[string]any{"port": "p1"}))
	require.NoError(t, err)
	var st models.PortLockState
	resultJSON(t, result, &st)
	assert.Equal(t, models.LockStatusMonitoring, st.Status)
}

// ---------------------------------------------------------------------------
// Toolchain
// ---------------------------------------------------------------------------

func TestHandleUpload(t *testing.T) {
	srv, sv, _, runner := newTestServer(t)
	ctx := context.Background()
	args := map[string]any{"port": "p1", "sketch": "blink", "fqbn": "esp32:esp32:esp32"}

	_, err := sv.StartMonitor(ctx, startOpts("p1"))
	require.NoError(t, err)

	result, err := srv.handleUpload(ctx, callToolReq("toolchain_upload", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "held by monitor:")

	args["stop_monitor"] = true
	result, err = srv.handleUpload(ctx, callToolReq("toolchain_upload", args))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var res toolchain.Result
	resultJSON(t, result, &res)
	assert.True(t, res.Success)

	runner.code = 1
	result, err = srv.handleUpload(ctx, callToolReq("toolchain_upload", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	resultJSON(t, result, &res)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, models.LockStatusError, sv.LockState("p1").Status)
}

func TestHandleCompile_Validation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleCompile(ctx, callToolReq("toolchain_compile", map[string]any{"sketch": "blink"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "should error when fqbn is missing")

	result, err = srv.handleCompile(ctx, callToolReq("toolchain_compile", map[string]any{"sketch": "blink", "fqbn": "a:b:c"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

// ---------------------------------------------------------------------------
// Crash explanation
// ---------------------------------------------------------------------------

func TestHandleExplainCrash_WithoutLLM(t *testing.T) {
	srv, sv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleExplainCrash(ctx, callToolReq("device_explain_crash", map[string]any{"port": "p1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no reboot recorded")

	sv.Classifier.Feed("p1", "Guru Meditation Error: Core  0 panic'ed (LoadProhibited). Exception was unhandled.")
	result, err = srv.handleExplainCrash(ctx, callToolReq("device_explain_crash", map[string]any{"port": "p1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Event      models.RebootEvent `json:"event"`
		Suggestion string             `json:"suggestion"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, models.RebootGuruMeditation, out.Event.Category)
	assert.NotEmpty(t, out.Suggestion)
}

func startOpts(port string) sessions.StartOptions { return sessions.StartOptions{Port: port} }
