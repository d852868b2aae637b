package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/serialmon/internal/buffer"
	"github.com/joescharf/serialmon/internal/llm"
	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/sessions"
	"github.com/joescharf/serialmon/internal/supervisor"
	"github.com/joescharf/serialmon/internal/toolchain"
)

// maxWaitLines bounds the lines returned with a waited monitor session.
const maxWaitLines = 200

// Server exposes the supervisor as MCP tools.
type Server struct {
	sv  *supervisor.Supervisor
	llm *llm.Client

	deviceURL     string
	deviceTimeout time.Duration
}

// NewServer creates the MCP server wrapper. llmClient may be nil.
func NewServer(sv *supervisor.Supervisor, llmClient *llm.Client) *Server {
	return &Server{sv: sv, llm: llmClient}
}

// WithDevice sets the default board address for the device_* HTTP tools.
func (s *Server) WithDevice(url string, timeout time.Duration) *Server {
	s.deviceURL = url
	s.deviceTimeout = timeout
	return s
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("serialmon", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listPortsTool())
	srv.AddTool(s.startMonitorTool())
	srv.AddTool(s.stopMonitorTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.readBufferTool())
	srv.AddTool(s.searchBufferTool())
	srv.AddTool(s.waitForTool())
	srv.AddTool(s.deviceHealthTool())
	srv.AddTool(s.portLockStateTool())
	srv.AddTool(s.compileTool())
	srv.AddTool(s.uploadTool())
	srv.AddTool(s.explainCrashTool())
	srv.AddTool(s.deviceInfoTool())
	srv.AddTool(s.deviceRestartTool())
	srv.AddTool(s.spiffsListTool())
	srv.AddTool(s.spiffsReadTool())
	srv.AddTool(s.spiffsWriteTool())
	srv.AddTool(s.spiffsDeleteTool())
	srv.AddTool(s.spiffsInfoTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// serial_list_ports
func (s *Server) listPortsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("serial_list_ports",
		mcp.WithDescription("List serial ports on the host with USB VID/PID and serial number when available, plus each port's lock state."),
	)
	return tool, s.handleListPorts
}

func (s *Server) handleListPorts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ports, err := s.sv.Ports()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list ports: %v", err)), nil
	}

	type portOut struct {
		models.PortInfo
		Lock models.LockStatus `json:"lock"`
	}
	out := make([]portOut, len(ports))
	for i, p := range ports {
		out[i] = portOut{PortInfo: p, Lock: s.sv.LockState(p.Name).Status}
	}
	return jsonResult(out)
}

// serial_start_monitor
func (s *Server) startMonitorTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("serial_start_monitor",
		mcp.WithDescription("Start monitoring a serial port. Returns the session token. With wait=true, blocks until the session ends and returns its summary and captured lines; set max_seconds, max_lines or stop_pattern so it terminates."),
		mcp.WithString("port", mcp.Required(), mcp.Description("Serial port, e.g. /dev/ttyUSB0 or COM3")),
		mcp.WithNumber("baud", mcp.Description("Baud rate (default 115200)")),
		mcp.WithBoolean("auto_baud", mcp.Description("Probe common baud rates before streaming")),
		mcp.WithNumber("max_seconds", mcp.Description("Stop after this many seconds")),
		mcp.WithNumber("max_lines", mcp.Description("Stop after this many lines")),
		mcp.WithString("stop_pattern", mcp.Description("Stop when a line matches this regular expression")),
		mcp.WithBoolean("detect_reboot", mcp.Description("Flag the session when a reboot is classified")),
		mcp.WithBoolean("raw", mcp.Description("Mark events as raw output")),
		mcp.WithBoolean("force", mcp.Description("Take over the port from its current owner")),
		mcp.WithBoolean("wait", mcp.Description("Block until the session ends")),
	)
	return tool, s.handleStartMonitor
}

func (s *Server) handleStartMonitor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := request.RequireString("port")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: port"), nil
	}
	opts := sessions.StartOptions{
		Port:         port,
		Baud:         request.GetInt("baud", 0),
		AutoBaud:     request.GetBool("auto_baud", false),
		MaxSeconds:   request.GetInt("max_seconds", 0),
		MaxLines:     request.GetInt("max_lines", 0),
		StopPattern:  request.GetString("stop_pattern", ""),
		DetectReboot: request.GetBool("detect_reboot", false),
		Raw:          request.GetBool("raw", false),
		Force:        request.GetBool("force", false),
	}

	var fromSeq uint64
	if last := s.sv.Buffer.Recent(port, 1); len(last) == 1 {
		fromSeq = last[0].Seq
	}

	info, err := s.sv.StartMonitor(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start monitor: %v", err)), nil
	}
	if !request.GetBool("wait", false) {
		return jsonResult(info)
	}

	sum, err := s.sv.WaitSession(ctx, info.Token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("waiting for session %s: %v", info.Token, err)), nil
	}
	lines := s.sv.Buffer.Since(port, fromSeq)
	truncated := false
	if len(lines) > maxWaitLines {
		lines = lines[len(lines)-maxWaitLines:]
		truncated = true
	}
	return jsonResult(map[string]any{
		"summary":   sum,
		"lines":     texts(lines),
		"truncated": truncated,
	})
}

func texts(lines []models.BufferedLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// serial_stop_monitor
func (s *Server) stopMonitorTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("serial_stop_monitor",
		mcp.WithDescription("Stop a monitor session by token or port and return its summary. Stopping an already stopped session returns the same summary."),
		mcp.WithString("token", mcp.Description("Session token")),
		mcp.WithString("port", mcp.Description("Port of the session (alternative to token)")),
	)
	return tool, s.handleStopMonitor
}

func (s *Server) handleStopMonitor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := request.GetString("token", "")
	if ref == "" {
		ref = request.GetString("port", "")
	}
	if ref == "" {
		return mcp.NewToolResultError("token or port is required"), nil
	}
	sum, err := s.sv.StopMonitor(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop monitor: %v", err)), nil
	}
	return jsonResult(sum)
}

// serial_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("serial_list_sessions",
		mcp.WithDescription("List active monitor sessions with state, line count and last line."),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.sv.ListSessions()
	if list == nil {
		list = []models.SessionInfo{}
	}
	return jsonResult(list)
}

// serial_read_buffer
func (s *Server) readBufferTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("serial_read_buffer",
		mcp.WithDescription("Read buffered lines from a port. Returns the last N lines, or every line after since_seq when given."),
		mcp.WithString("port", mcp.Required(), mcp.Description("Serial port")),
		mcp.WithNumber("lines", mcp.Description("Number of recent lines (default 50)")),
		mcp.WithNumber("since_seq", mcp.Description("Return lines with a sequence number greater than this")),
	)
	return tool, s.handleReadBuffer
}

func (s *Server) handleReadBuffer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := request.RequireString("port")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: port"), nil
	}
	var lines []models.BufferedLine
	if since := request.GetInt("since_seq", -1); since >= 0 {
		lines = s.sv.Buffer.Since(port, uint64(since))
	} else {
		lines = s.sv.Buffer.Recent(port, request.GetInt("lines", 50))
	}
	if lines == nil {
		lines = []models.BufferedLine{}
	}
	return jsonResult(lines)
}

// serial_search_buffer
func (s *Server) searchBufferTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("serial_search_buffer",
		mcp.WithDescription("Search a port's buffered lines with a regular expression."),
		mcp.WithString("port", mcp.Required(), mcp.Description("Serial port")),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression")),
	)
	return tool, s.handleSearchBuffer
}

func (s *Server) handleSearchBuffer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := request.RequireString("port")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: port"), nil
	}
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pattern"), nil
	}
	lines, err := s.sv.Buffer.Search(port, pattern)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if lines == nil {
		lines = []models.BufferedLine{}
	}
	return jsonResult(lines)
}

// serial_wait_for
func (s *Server) waitForTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("serial_wait_for",
		mcp.WithDescription("Wait for a line matching pattern on a port, for max_lines new lines, or for the timeout, whichever comes first. Only lines arriving after the call are considered."),
		mcp.WithString("port", mcp.Required(), mcp.Description("Serial port")),
		mcp.WithString("pattern", mcp.Description("Regular expression to wait for")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Timeout in seconds (default 30)")),
		mcp.WithNumber("max_lines", mcp.Description("Resolve after this many new lines")),
	)
	return tool, s.handleWaitFor
}

func (s *Server) handleWaitFor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := request.RequireString("port")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: port"), nil
	}
	res, err := s.sv.Capture(ctx, buffer.CaptureOptions{
		Port:     port,
		Pattern:  request.GetString("pattern", ""),
		Timeout:  time.Duration(request.GetFloat("timeout_seconds", 0) * float64(time.Second)),
		MaxLines: request.GetInt("max_lines", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

// device_health
func (s *Server) deviceHealthTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_health",
		mcp.WithDescription("Report device health derived from the serial stream: healthy, unstable, crash_loop or unknown, with reboot counts, loop detection and a suggestion. Omit port for all ports."),
		mcp.WithString("port", mcp.Description("Serial port")),
	)
	return tool, s.handleDeviceHealth
}

func (s *Server) handleDeviceHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if port := request.GetString("port", ""); port != "" {
		return jsonResult(s.sv.Health(port))
	}
	all := s.sv.HealthAll()
	if all == nil {
		all = []models.HealthStatus{}
	}
	return jsonResult(all)
}

// port_lock_state
func (s *Server) portLockStateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("port_lock_state",
		mcp.WithDescription("Show who holds a port (monitoring, uploading, compiling) or the last toolchain error. Omit port for every held port."),
		mcp.WithString("port", mcp.Description("Serial port")),
	)
	return tool, s.handlePortLockState
}

func (s *Server) handlePortLockState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if port := request.GetString("port", ""); port != "" {
		return jsonResult(s.sv.LockState(port))
	}
	states := s.sv.LockStates()
	if states == nil {
		states = []models.PortLockState{}
	}
	return jsonResult(states)
}

// toolchain_compile
func (s *Server) compileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("toolchain_compile",
		mcp.WithDescription("Compile a sketch with arduino-cli. Returns exit code, output and duration."),
		mcp.WithString("sketch", mcp.Required(), mcp.Description("Sketch directory")),
		mcp.WithString("fqbn", mcp.Required(), mcp.Description("Fully qualified board name, e.g. esp32:esp32:esp32")),
		mcp.WithString("port", mcp.Description("Hold this port in the compiling state while building")),
	)
	return tool, s.handleCompile
}

func (s *Server) handleCompile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sketch, err := request.RequireString("sketch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sketch"), nil
	}
	fqbn, err := request.RequireString("fqbn")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: fqbn"), nil
	}
	res, err := s.sv.Compile(ctx, toolchain.Request{
		Sketch: sketch,
		FQBN:   fqbn,
		Port:   request.GetString("port", ""),
	})
	return toolchainResult(res, err)
}

// toolchain_upload
func (s *Server) uploadTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("toolchain_upload",
		mcp.WithDescription("Upload a sketch to the device on a port. The port is locked for the duration; set stop_monitor to end an active monitor session first."),
		mcp.WithString("port", mcp.Required(), mcp.Description("Serial port")),
		mcp.WithString("sketch", mcp.Required(), mcp.Description("Sketch directory")),
		mcp.WithString("fqbn", mcp.Required(), mcp.Description("Fully qualified board name")),
		mcp.WithBoolean("stop_monitor", mcp.Description("Stop a monitor session on the port before uploading")),
		mcp.WithBoolean("force", mcp.Description("Take over the port lock")),
	)
	return tool, s.handleUpload
}

func (s *Server) handleUpload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := request.RequireString("port")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: port"), nil
	}
	sketch, err := request.RequireString("sketch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: sketch"), nil
	}
	fqbn, err := request.RequireString("fqbn")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: fqbn"), nil
	}
	res, err := s.sv.Upload(ctx, toolchain.Request{
		Port:        port,
		Sketch:      sketch,
		FQBN:        fqbn,
		StopMonitor: request.GetBool("stop_monitor", false),
		Force:       request.GetBool("force", false),
	})
	return toolchainResult(res, err)
}

func toolchainResult(res toolchain.Result, err error) (*mcp.CallToolResult, error) {
	if err != nil && res.Command == "" {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, mErr := json.Marshal(res)
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", mErr)), nil
	}
	if !res.Success {
		r := mcp.NewToolResultText(string(data))
		r.IsError = true
		return r, nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// device_explain_crash
func (s *Server) explainCrashTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_explain_crash",
		mcp.WithDescription("Explain the most recent reboot or crash on a port using its captured context and stack trace. Without an LLM configured, returns the raw event and suggestion."),
		mcp.WithString("port", mcp.Required(), mcp.Description("Serial port")),
	)
	return tool, s.handleExplainCrash
}

func (s *Server) handleExplainCrash(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := request.RequireString("port")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: port"), nil
	}
	event, err := s.sv.LastReboot(ctx, port)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load reboot history: %v", err)), nil
	}
	if event == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no reboot recorded for %s", port)), nil
	}
	status := s.sv.Health(port)

	out := map[string]any{
		"event":      event,
		"suggestion": status.Suggestion,
	}
	if s.llm == nil {
		return jsonResult(out)
	}
	explanation, err := s.llm.ExplainCrash(ctx, event, &status)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return mcp.NewToolResultError("cancelled"), nil
		}
		out["explanation_error"] = err.Error()
		return jsonResult(out)
	}
	out["explanation"] = explanation
	return jsonResult(out)
}
