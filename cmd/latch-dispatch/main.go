// Command latch-dispatch runs queued adhoc tasks, enqueues new ones and
// reports long running tasks.
//
//	latch-dispatch [-config file] run
//	latch-dispatch [-config file] enqueue -type shell -payload 'make backup'
//	latch-dispatch [-config file] check
//
// check exits 0, 1 or 2 for ok, warning or error, like a monitoring plugin.
// The queue lives in the task.store database, a sqlite file in the temporary
// directory unless configured otherwise. enqueue and check refuse the memory
// store since it does not outlive the command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/task"
	"github.com/mirkobrombin/go-latch/v1/telemetry"
)

const component = "adhoc"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type app struct {
	cfg    *config.Config
	store  task.Store
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("latch-dispatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "latch-dispatch: expected a command: run, enqueue or check")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "latch-dispatch:", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cfg.Task.Store == "memory" && (cmd == "enqueue" || cmd == "check") {
		fmt.Fprintf(stderr, "latch-dispatch: %s needs a shared task store, task.store is memory\n", cmd)
		return 1
	}

	store, closeStore, err := presets.NewTaskStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "latch-dispatch:", err)
		return 1
	}
	defer closeStore()

	a := &app{cfg: cfg, store: store, logger: logger, stdout: stdout, stderr: stderr}
	switch cmd {
	case "run":
		err = a.runDispatcher(ctx)
	case "enqueue":
		err = a.enqueue(ctx, rest)
	case "check":
		var status task.Status
		status, err = a.check(ctx)
		if err == nil {
			return int(status)
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "latch-dispatch:", err)
		}
		return 1
	}
	return 0
}

func (a *app) runDispatcher(ctx context.Context) error {
	tel, err := telemetry.Start(a.cfg.Telemetry, a.stderr, a.logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	types, err := presets.NewTaskRegistry(a.cfg.Task)
	if err != nil {
		return err
	}
	if err := registerHandlers(types, a.stdout, a.logger); err != nil {
		return err
	}

	locks, err := presets.NewFactory(ctx, a.cfg.Lock, component, lock.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer locks.Close()

	d, err := task.NewDispatcher(a.store, types, locks,
		task.WithWorkers(a.cfg.Task.Workers),
		task.WithBatchSize(a.cfg.Task.BatchSize),
		task.WithPollInterval(a.cfg.Task.PollInterval),
		task.WithDispatchLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.logger.Info("latch: dispatcher started", "backend", a.cfg.Lock.Backend, "store", a.cfg.Task.Store, "types", types.Types())
	return d.Run(ctx)
}

func (a *app) enqueue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	typ := fs.String("type", "", "task type (required)")
	payload := fs.String("payload", "", "task payload")
	delay := fs.Duration("delay", 0, "run the task no earlier than this from now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *typ == "" {
		return errors.New("enqueue: -type is required")
	}
	var runAt time.Time
	if *delay > 0 {
		runAt = time.Now().Add(*delay)
	}
	rec, err := a.store.Enqueue(ctx, task.Type(*typ), []byte(*payload), runAt)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "queued task %d (%s)\n", rec.ID, rec.Type)
	return nil
}

// check prints the long running task report. The returned status doubles as
// the exit code.
func (a *app) check(ctx context.Context) (task.Status, error) {
	c := task.NewRuntimeCheck(a.store, a.cfg.Task.RuntimeWarn, a.cfg.Task.RuntimeError)
	res, err := c.Run(ctx)
	if err != nil {
		return task.StatusError, err
	}
	fmt.Fprintf(a.stdout, "%s: %s\n", res.Status, res.Summary)
	return res.Status, nil
}
