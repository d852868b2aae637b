package serialio

import (
	"log/slog"

	"github.com/creack/pty"
)

// PTYSpawner runs the reader attached to a pseudo-terminal so tools that
// block-buffer a pipe still flush line by line. stdout and stderr share
// the terminal and arrive as a single stream.
type PTYSpawner struct {
	Logger *slog.Logger
}

func (s PTYSpawner) Spawn(c Command) (Process, error) {
	cmd := c.exec()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: 240, Rows: 50})

	p := newProc(cmd, ptmx, s.Logger)
	p.readers.Add(1)
	go p.scan(ptmx, "")
	go p.closeLinesWhenDrained()
	return p, nil
}
