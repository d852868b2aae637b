// Package toolchain runs compile and upload commands against a port while
// holding its lock. The toolchain itself is an opaque subprocess.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/portlock"
	"github.com/joescharf/serialmon/internal/serialio"
)

// ErrInvalidRequest is returned when required request fields are missing.
var ErrInvalidRequest = errors.New("invalid toolchain request")

// Operation names a toolchain action.
type Operation string

const (
	OpCompile Operation = "compile"
	OpUpload  Operation = "upload"
)

// Request describes a compile or upload.
type Request struct {
	Port        string `json:"port"`
	FQBN        string `json:"fqbn"`
	Sketch      string `json:"sketch"`
	Force       bool   `json:"force,omitempty"`
	StopMonitor bool   `json:"stopMonitor,omitempty"`
}

// Result is the outcome of a toolchain run.
type Result struct {
	Operation  Operation `json:"operation"`
	Port       string    `json:"port,omitempty"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exitCode"`
	Success    bool      `json:"success"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMs int64     `json:"durationMs"`
}

// Runner executes a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd serialio.Command) (exitCode int, stdout, stderr string, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c serialio.Command) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), stdout.String(), stderr.String(), nil
	}
	if err != nil {
		return -1, stdout.String(), stderr.String(), err
	}
	return 0, stdout.String(), stderr.String(), nil
}

// Toolchain wraps the compile/upload command.
type Toolchain struct {
	command string
	locks   *portlock.Registry
	runner  Runner
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a toolchain using command (e.g. arduino-cli). A nil runner
// uses ExecRunner.
func New(command string, locks *portlock.Registry, runner Runner, logger *slog.Logger) *Toolchain {
	if command == "" {
		command = "arduino-cli"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolchain{
		command: command,
		locks:   locks,
		runner:  runner,
		logger:  logger.With("component", "toolchain"),
		now:     time.Now,
	}
}

// Compile builds a sketch. When req.Port is set the port is held in the
// compiling state for the duration.
func (t *Toolchain) Compile(ctx context.Context, req Request) (Result, error) {
	if req.Sketch == "" || req.FQBN == "" {
		return Result{}, fmt.Errorf("compile: %w: sketch and fqbn are required", ErrInvalidRequest)
	}
	return t.run(ctx, OpCompile, models.LockStatusCompiling, req, Args(OpCompile, req))
}

// Upload flashes a sketch to the device on req.Port.
func (t *Toolchain) Upload(ctx context.Context, req Request) (Result, error) {
	if req.Port == "" || req.Sketch == "" || req.FQBN == "" {
		return Result{}, fmt.Errorf("upload: %w: port, sketch and fqbn are required", ErrInvalidRequest)
	}
	return t.run(ctx, OpUpload, models.LockStatusUploading, req, Args(OpUpload, req))
}

// Args returns the toolchain arguments for an operation.
func Args(op Operation, req Request) []string {
	if op == OpUpload {
		return []string{"upload", "-p", req.Port, "--fqbn", req.FQBN, req.Sketch}
	}
	return []string{"compile", "--fqbn", req.FQBN, req.Sketch}
}

func (t *Toolchain) run(ctx context.Context, op Operation, status models.LockStatus, req Request, args []string) (Result, error) {
	owner := string(op) + ":" + uuid.NewString()[:8]
	if req.Port != "" {
		lr := t.locks.TryLock(req.Port, owner, req.Force)
		if !lr.Success {
			return Result{}, lr.Err()
		}
		if _, err := t.locks.SetState(req.Port, status, portlock.Meta{Owner: owner}); err != nil {
			t.locks.ReleaseOwned(req.Port, owner)
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	cmd := serialio.Command{Path: t.command, Args: args}
	start := t.now()
	t.logger.Info("toolchain started", "op", op, "port", req.Port, "command", cmd.String())
	code, stdout, stderr, err := t.runner.Run(ctx, cmd)

	res := Result{
		Operation:  op,
		Port:       req.Port,
		Command:    cmd.String(),
		ExitCode:   code,
		Success:    err == nil && code == 0,
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMs: t.now().Sub(start).Milliseconds(),
	}

	if req.Port != "" {
		if res.Success {
			t.locks.ReleaseOwned(req.Port, owner)
		} else if t.locks.State(req.Port).Owner == owner {
			// The error state does not block the port; it records the failure
			// for lock-state callers until the next lock or sweep.
			msg := fmt.Sprintf("%s failed with exit code %d", op, code)
			if err != nil {
				msg = fmt.Sprintf("%s failed: %v", op, err)
			}
			_, _ = t.locks.SetState(req.Port, models.LockStatusError, portlock.Meta{Owner: owner, Error: msg})
		}
	}

	t.logger.Info("toolchain finished", "op", op, "port", req.Port, "exit_code", code, "duration_ms", res.DurationMs)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}
