package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mirkobrombin/go-latch/v1/task"
)

const (
	shellTask task.Type = "shell"
	echoTask  task.Type = "echo"
)

// registerHandlers installs the built in task types. Limits configured for
// them are kept.
func registerHandlers(types *task.Registry, out io.Writer, logger *slog.Logger) error {
	if err := types.Register(shellTask, shellHandler(out, logger), 0); err != nil {
		return err
	}
	return types.Register(echoTask, echoHandler(out), 0)
}

// shellHandler runs the payload through /bin/sh.
func shellHandler(out io.Writer, logger *slog.Logger) task.Handler {
	return func(ctx context.Context, rec task.Record) error {
		if len(rec.Payload) == 0 {
			return fmt.Errorf("task %d: empty command", rec.ID)
		}
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", string(rec.Payload))
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = 10 * time.Second
		logger.Debug("latch: running shell task", "task_id", rec.ID, "attempts", rec.Attempts)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("task %d: %w", rec.ID, err)
		}
		return nil
	}
}

func echoHandler(out io.Writer) task.Handler {
	return func(_ context.Context, rec task.Record) error {
		_, err := fmt.Fprintf(out, "task %d: %s\n", rec.ID, rec.Payload)
		return err
	}
}
