// Command latchctl acquires a named lock and holds it while a command runs,
// until it is interrupted or until a hold timeout elapses.
//
// Exit status:
//
//	0    released on interrupt, or the command succeeded
//	1    usage, configuration or backend error
//	2    released after the hold timeout
//	3    lock not acquired within the wait, or interrupted while waiting
//	4    the command exited with status 1 to 4
//	5+   the command's own exit status, 128+n when killed by signal n
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/telemetry"
)

const (
	exitOK             = 0
	exitUsage          = 1
	exitHoldTimeout    = 2
	exitAcquireTimeout = 3
	exitCommandFailed  = 4
)

const exitUsageText = `
Exit status: 0 released on interrupt or command succeeded, 1 usage or
backend error, 2 hold timeout, 3 lock not acquired, 4 command exited 1-4,
otherwise the command's own status (128+n when killed by signal n).
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type flags struct {
	resource    string
	component   string
	execute     string
	wait        time.Duration
	hold        time.Duration
	configPath  string
	backend     string
	metricsAddr string
	trace       bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("latchctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of latchctl:")
		fs.PrintDefaults()
		fmt.Fprint(fs.Output(), exitUsageText)
	}
	for _, name := range []string{"resource", "r"} {
		fs.StringVar(&f.resource, name, "", "resource to lock (required)")
	}
	for _, name := range []string{"component", "c"} {
		fs.StringVar(&f.component, name, "", "component namespace of the lock (required unless set in config)")
	}
	for _, name := range []string{"execute", "e"} {
		fs.StringVar(&f.execute, name, "", "shell command to run while holding the lock")
	}
	for _, name := range []string{"wait", "w"} {
		fs.DurationVar(&f.wait, name, 10*time.Second, "how long to wait for the lock")
	}
	for _, name := range []string{"timeout", "t"} {
		fs.DurationVar(&f.hold, name, 600*time.Second, "how long to hold the lock, 0 holds until interrupted")
	}
	fs.StringVar(&f.configPath, "config", "", "config file")
	fs.StringVar(&f.backend, "backend", "", "lock backend, overrides the config")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.BoolVar(&f.trace, "trace", false, "export trace spans to stderr")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.wait < 0 || f.hold < 0 {
		return nil, errors.New("wait and timeout must not be negative")
	}
	return f, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "latchctl:", err)
		}
		return exitUsage
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "latchctl:", err)
		return exitUsage
	}
	if f.backend != "" {
		cfg.Lock.Backend = f.backend
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintln(stderr, "latchctl:", err)
			return exitUsage
		}
	}
	if f.component == "" {
		f.component = cfg.Lock.Component
	}
	if f.resource == "" || f.component == "" {
		fmt.Fprintln(stderr, "latchctl: -resource and -component are required")
		return exitUsage
	}
	if f.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = f.metricsAddr
	}
	cfg.Telemetry.Trace = cfg.Telemetry.Trace || f.trace

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))

	tel, err := telemetry.Start(cfg.Telemetry, stderr, logger)
	if err != nil {
		fmt.Fprintln(stderr, "latchctl: telemetry:", err)
		return exitUsage
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	factory, err := presets.NewFactory(ctx, cfg.Lock, f.component, lock.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(stderr, "latchctl:", err)
		return exitUsage
	}
	defer factory.Close()

	return hold(ctx, factory, f, stdout, stderr, logger)
}

func hold(ctx context.Context, factory lock.Factory, f *flags, stdout, stderr io.Writer, logger *slog.Logger) int {
	// A running command is never cut short, so its lock gets the default
	// lifetime instead of the hold timeout.
	lifetime := f.hold
	if f.execute != "" {
		lifetime = lock.DefaultLifetime
	}
	l, ok, err := factory.GetLock(ctx, f.resource, f.wait, lifetime)
	switch {
	case err != nil && ctx.Err() != nil:
		fmt.Fprintln(stderr, "latchctl: interrupted while waiting for the lock")
		return exitAcquireTimeout
	case err != nil:
		fmt.Fprintln(stderr, "latchctl:", err)
		return exitUsage
	case !ok:
		fmt.Fprintf(stderr, "latchctl: lock %s_%s not acquired within %s\n", f.component, f.resource, f.wait)
		return exitAcquireTimeout
	}
	defer l.Release(context.WithoutCancel(ctx))
	fmt.Fprintf(stdout, "lock %s acquired\n", l.Key())

	if f.execute != "" {
		code := execute(ctx, f.execute, stdout, stderr, logger)
		l.Release(context.WithoutCancel(ctx))
		fmt.Fprintf(stdout, "lock %s released\n", l.Key())
		return code
	}

	var expired <-chan time.Time
	if f.hold > 0 {
		timer := time.NewTimer(f.hold)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ctx.Done():
		l.Release(context.WithoutCancel(ctx))
		fmt.Fprintf(stdout, "lock %s released on interrupt\n", l.Key())
		return exitOK
	case <-expired:
		l.Release(context.WithoutCancel(ctx))
		fmt.Fprintf(stdout, "lock %s released after %s timeout\n", l.Key(), f.hold)
		return exitHoldTimeout
	}
}

// execute runs command through the shell and maps its outcome to an exit
// status that cannot be mistaken for one of latchctl's own. Cancelling ctx
// sends SIGTERM to the command and counts as a graceful interrupt.
func execute(ctx context.Context, command string, stdout, stderr io.Writer, logger *slog.Logger) int {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	if err == nil {
		return exitOK
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		logger.Error("latch: command failed", "command", command, "error", err)
		return exitUsage
	}
	if ctx.Err() != nil {
		fmt.Fprintln(stderr, "latchctl: command stopped on interrupt")
		return exitOK
	}
	return commandStatus(exitErr.ProcessState)
}

func commandStatus(ps *os.ProcessState) int {
	code := ps.ExitCode()
	if code == -1 {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitCommandFailed
	}
	if code <= exitCommandFailed {
		return exitCommandFailed
	}
	return code
}
