// Package serialio runs the external per-line serial reader and
// enumerates serial ports.
package serialio

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// StreamStderr tags lines read from the reader's standard error.
const StreamStderr = "stderr"

const maxLineSize = 1 << 20

// Line is one line of reader output. Stream is empty for stdout.
type Line struct {
	Text   string
	Stream string
}

// Exit describes how a reader process ended. Code is -1 when the process
// was killed by a signal or never produced an exit status.
type Exit struct {
	Code   int
	Signal string
	Err    error
}

// Process is a running reader. Lines is closed once all output has been
// read; Wait returns after that.
type Process interface {
	Lines() <-chan Line
	Wait() Exit
	Terminate(grace time.Duration)
	Pid() int
}

// Spawner starts reader processes.
type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSpawner runs the reader with separate stdout and stderr pipes.
type ExecSpawner struct {
	Logger *slog.Logger
}

func (s ExecSpawner) Spawn(c Command) (Process, error) {
	cmd := c.exec()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := newProc(cmd, nil, s.Logger)
	p.readers.Add(2)
	go p.scan(stdout, "")
	go p.scan(stderr, StreamStderr)
	go p.closeLinesWhenDrained()
	return p, nil
}

type proc struct {
	cmd     *exec.Cmd
	lines   chan Line
	readers sync.WaitGroup
	closer  io.Closer
	logger  *slog.Logger

	waitOnce sync.Once
	exit     Exit
	done     chan struct{}
}

func newProc(cmd *exec.Cmd, closer io.Closer, logger *slog.Logger) *proc {
	if logger == nil {
		logger = slog.Default()
	}
	return &proc{
		cmd:    cmd,
		lines:  make(chan Line, 64),
		closer: closer,
		logger: logger.With("component", "serialio", "path", cmd.Path),
		done:   make(chan struct{}),
	}
}

func (p *proc) Lines() <-chan Line { return p.lines }

func (p *proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// scan forwards lines from r until EOF. A line longer than maxLineSize is
// skipped; on any other read error the rest of r is drained so the child
// never blocks on a full pipe.
func (p *proc) scan(r io.Reader, stream string) {
	defer p.readers.Done()
	br := bufio.NewReader(r)
	for {
		sc := bufio.NewScanner(br)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			p.lines <- Line{Text: strings.TrimRight(sc.Text(), "\r"), Stream: stream}
		}
		err := sc.Err()
		if err == nil {
			return
		}
		if !errors.Is(err, bufio.ErrTooLong) {
			p.logger.Debug("reader output closed", "stream", stream, "error", err)
			_, _ = io.Copy(io.Discard, br)
			return
		}
		p.logger.Warn("skipping oversized reader line", "stream", stream, "limit", maxLineSize)
		if !skipLine(br) {
			return
		}
	}
}

// skipLine discards input up to and including the next newline. It reports
// false at end of input.
func skipLine(br *bufio.Reader) bool {
	for {
		_, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			return true
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return false
		}
	}
}

func (p *proc) closeLinesWhenDrained() {
	p.readers.Wait()
	close(p.lines)
}

// Wait blocks until output is drained and the process has exited.
func (p *proc) Wait() Exit {
	p.waitOnce.Do(func() {
		p.readers.Wait()
		p.exit = exitOf(p.cmd.Wait())
		if p.closer != nil {
			_ = p.closer.Close()
		}
		close(p.done)
	})
	return p.exit
}

// Terminate sends SIGTERM and kills the process if it is still running
// after grace. It does not block.
func (p *proc) Terminate(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
		return
	}
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			_ = p.cmd.Process.Kill()
		}
	}()
}

func exitOf(err error) Exit {
	if err == nil {
		return Exit{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		ex := Exit{Code: ee.ExitCode()}
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ex.Signal = ws.Signal().String()
		}
		return ex
	}
	return Exit{Code: -1, Err: err}
}
