package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joescharf/serialmon/internal/buffer"
	"github.com/joescharf/serialmon/internal/llm"
	"github.com/joescharf/serialmon/internal/monitor"
	"github.com/joescharf/serialmon/internal/portlock"
	"github.com/joescharf/serialmon/internal/sessions"
	"github.com/joescharf/serialmon/internal/store"
	"github.com/joescharf/serialmon/internal/supervisor"
	"github.com/joescharf/serialmon/internal/toolchain"
)

// Server provides the REST API handlers.
type Server struct {
	sv       *supervisor.Supervisor
	llm      *llm.Client
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// pongWait bounds how long a WebSocket client may go without answering
	// a ping; pings are sent every pingPeriod.
	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewServer creates a new API server.
// The llmClient may be nil if no API key is configured.
func NewServer(sv *supervisor.Supervisor, llmClient *llm.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sv:  sv,
		llm: llmClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:     logger.With("component", "api"),
		pongWait:   defaultPongWait,
		pingPeriod: defaultPongWait * 9 / 10,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/ports", s.listPorts)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("POST /api/v1/sessions/stop", s.stopSession)
	mux.HandleFunc("GET /api/v1/sessions/{token}", s.getSession)

	mux.HandleFunc("GET /api/v1/health", s.health)
	mux.HandleFunc("GET /api/v1/locks", s.locks)

	mux.HandleFunc("GET /api/v1/buffer/recent", s.bufferRecent)
	mux.HandleFunc("GET /api/v1/buffer/since", s.bufferSince)
	mux.HandleFunc("GET /api/v1/buffer/search", s.bufferSearch)
	mux.HandleFunc("POST /api/v1/capture", s.capture)

	mux.HandleFunc("GET /api/v1/history", s.history)
	mux.HandleFunc("GET /api/v1/reboots", s.reboots)
	mux.HandleFunc("GET /api/v1/install-logs", s.installLogs)

	mux.HandleFunc("POST /api/v1/toolchain/compile", s.compile)
	mux.HandleFunc("POST /api/v1/toolchain/upload", s.upload)

	mux.HandleFunc("POST /api/v1/explain", s.explain)

	mux.HandleFunc("GET /api/v1/events", s.events)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sessions.ErrInvalidPattern),
		errors.Is(err, sessions.ErrInvalidOptions),
		errors.Is(err, buffer.ErrInvalidPattern),
		errors.Is(err, toolchain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrPortBusy), errors.Is(err, portlock.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrNoStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, monitor.ErrSpawn):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func requirePort(w http.ResponseWriter, r *http.Request) (string, bool) {
	port := r.URL.Query().Get("port")
	if port == "" {
		writeError(w, http.StatusBadRequest, "port is required")
		return "", false
	}
	return port, true
}

func listFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	f := store.ListFilter{Port: q.Get("port")}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return f, errors.New("invalid limit")
	}
	f.Limit = limit
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, errors.New("invalid since: want RFC3339")
		}
		f.Since = t
	}
	return f, nil
}

// --- Ports ---

func (s *Server) listPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.sv.Ports()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sv.ListSessions())
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var opts sessions.StartOptions
	if !decode(w, r, &opts) {
		return
	}
	info, err := s.sv.StartMonitor(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type stopRequest struct {
	Token string `json:"token"`
	Port  string `json:"port"`
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decode(w, r, &req) {
		return
	}
	ref := req.Token
	if ref == "" {
		ref = req.Port
	}
	if ref == "" {
		writeError(w, http.StatusBadRequest, "token or port is required")
		return
	}
	sum, err := s.sv.StopMonitor(r.Context(), ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if info, ok := s.sv.Sessions.Get(token); ok {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if sum, ok := s.sv.Sessions.Summary(token); ok {
		writeJSON(w, http.StatusOK, sum)
		return
	}
	sum, err := s.sv.HistorySession(r.Context(), token)
	if err != nil {
		if errors.Is(err, supervisor.ErrNoStore) || strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "session not found: "+token)
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Health and locks ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if port := r.URL.Query().Get("port"); port != "" {
		writeJSON(w, http.StatusOK, s.sv.Health(port))
		return
	}
	writeJSON(w, http.StatusOK, s.sv.HealthAll())
}

func (s *Server) locks(w http.ResponseWriter, r *http.Request) {
	if port := r.URL.Query().Get("port"); port != "" {
		writeJSON(w, http.StatusOK, s.sv.LockState(port))
		return
	}
	writeJSON(w, http.StatusOK, s.sv.LockStates())
}

// --- Buffer ---

func (s *Server) bufferRecent(w http.ResponseWriter, r *http.Request) {
	port, ok := requirePort(w, r)
	if !ok {
		return
	}
	n, err := queryInt(r, "n", 50)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid n")
		return
	}
	writeJSON(w, http.StatusOK, s.sv.Buffer.Recent(port, n))
}

func (s *Server) bufferSince(w http.ResponseWriter, r *http.Request) {
	port, ok := requirePort(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(r.URL.Query().Get("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid seq")
		return
	}
	writeJSON(w, http.StatusOK, s.sv.Buffer.Since(port, seq))
}

func (s *Server) bufferSearch(w http.ResponseWriter, r *http.Request) {
	port, ok := requirePort(w, r)
	if !ok {
		return
	}
	lines, err := s.sv.Buffer.Search(port, r.URL.Query().Get("pattern"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

type captureRequest struct {
	Port           string `json:"port"`
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxLines       int    `json:"maxLines"`
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}
	res, err := s.sv.Capture(r.Context(), buffer.CaptureOptions{
		Port:     req.Port,
		Pattern:  req.Pattern,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
		MaxLines: req.MaxLines,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- History ---

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.sv.History(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) reboots(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.sv.Reboots(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) installLogs(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.sv.InstallLogs(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Toolchain ---

func (s *Server) compile(w http.ResponseWriter, r *http.Request) {
	var req toolchain.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := s.sv.Compile(r.Context(), req)
	s.writeToolchain(w, res, err)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	var req toolchain.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := s.sv.Upload(r.Context(), req)
	s.writeToolchain(w, res, err)
}

// writeToolchain reports a completed run with 200 even when the tool
// failed; the result carries the exit code. Errors before the run map to
// their status.
func (s *Server) writeToolchain(w http.ResponseWriter, res toolchain.Result, err error) {
	if err != nil && res.Command == "" {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Crash explanation ---

type explainResponse struct {
	Event       any `json:"event"`
	Explanation any `json:"explanation"`
}

func (s *Server) explain(w http.ResponseWriter, r *http.Request) {
	port, ok := requirePort(w, r)
	if !ok {
		return
	}
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM not configured: set anthropic.api_key")
		return
	}
	event, err := s.sv.LastReboot(r.Context(), port)
	if err != nil {
		writeErr(w, err)
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "no reboot recorded for "+port)
		return
	}
	status := s.sv.Health(port)
	out, err := s.llm.ExplainCrash(r.Context(), event, &status)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, explainResponse{Event: event, Explanation: out})
}
