package serialio

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"text/template"
)

// DefaultMonitorArgs are the reader arguments used when none are configured.
var DefaultMonitorArgs = []string{"monitor", "-p", "{{.Port}}", "--config", "baudrate={{.Baud}}", "--quiet"}

// Command is a fully resolved process invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) exec() *exec.Cmd {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func (c Command) String() string {
	var b bytes.Buffer
	b.WriteString(c.Path)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}

// ArgData is the data available to argument templates.
type ArgData struct {
	Port string
	Baud int
	FQBN string
}

// BuildCommand renders each argument template against data.
func BuildCommand(path string, argTemplates []string, data ArgData) (Command, error) {
	if path == "" {
		return Command{}, fmt.Errorf("reader command not configured")
	}
	if len(argTemplates) == 0 {
		argTemplates = DefaultMonitorArgs
	}
	args := make([]string, 0, len(argTemplates))
	for i, a := range argTemplates {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return Command{}, fmt.Errorf("parse argument %q: %w", a, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return Command{}, fmt.Errorf("render argument %q: %w", a, err)
		}
		args = append(args, buf.String())
	}
	return Command{Path: path, Args: args}, nil
}
