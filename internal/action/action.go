// Package action runs the work behind a unit once the scheduler has claimed it.
package action

import (
	"context"
	"path/filepath"
	"time"

	"github.com/aristath/buildgraph/internal/ctxlog"
	"github.com/aristath/buildgraph/internal/events"
	"github.com/aristath/buildgraph/internal/scheduler"
)

// Func executes one unit. A nil return is success.
type Func func(ctx context.Context, unit scheduler.WorkUnit) error

// Commander is implemented by units whose work is a shell command.
type Commander interface {
	Command() string
	// Dir is the working directory, relative to the action's root. Empty means the root.
	Dir() string
}

// CommandAction runs a unit's command through a shell.
type CommandAction struct {
	Shell string // Defaults to "sh"
	Root  string // Base directory for relative unit directories
	Procs *ProcessManager
	Bus   *events.EventBus // Receives a NodeOutputEvent per line when set
}

// Run executes the unit's command. Units that are not Commanders, or that have
// an empty command, succeed without doing anything.
func (a *CommandAction) Run(ctx context.Context, unit scheduler.WorkUnit) error {
	logger := ctxlog.FromContext(ctx)

	c, ok := unit.(Commander)
	if !ok || c.Command() == "" {
		logger.Debug("unit has no command")
		return nil
	}

	shell := a.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := newCommand(ctx, shell, "-c", c.Command())
	cmd.Dir = a.dir(c.Dir())

	logger.Debug("running command", "command", c.Command(), "dir", cmd.Dir)
	_, _, err := executeCommand(cmd, a.Procs, func(stream, line string) {
		logger.Info(line, "stream", stream)
		if a.Bus != nil {
			a.Bus.Publish(events.TopicOutput, events.NodeOutputEvent{
				ID:        unit.ID(),
				Stream:    stream,
				Line:      line,
				Timestamp: time.Now(),
			})
		}
	})
	return err
}

// Func returns Run as a Func.
func (a *CommandAction) Func() Func {
	return a.Run
}

func (a *CommandAction) dir(rel string) string {
	switch {
	case rel == "":
		return a.Root
	case filepath.IsAbs(rel) || a.Root == "":
		return rel
	default:
		return filepath.Join(a.Root, rel)
	}
}
