package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/settings"
	"webp-migrator/internal/startup"

	"golang.org/x/term"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 2
	exitNotReady = 3
)

// errUsage marks malformed command lines.
var errUsage = errors.New("usage error")

func usageError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

type command struct {
	args    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"run":      {"[batch=N] [limit=N] [format=F] [quality=Q] [speed=S] [effort=E] [no-validate]", "Convert eligible attachments", runCommand},
	"count":    {"[limit=N] [override]", "Count eligible attachments", countCommand},
	"retry":    {"<id>", "Retry one attachment", retryCommand},
	"status":   {"<id>", "Show the migration status of an attachment", statusCommand},
	"commit":   {"<id>|all [--yes]", "Commit relinked attachments", commitCommand},
	"rollback": {"<id>|all [--yes]", "Roll relinked attachments back", rollbackCommand},
	"errors":   {"[list|stats|clear|reprocess|remove <id>]", "Manage the error ledger", errorsCommand},
	"settings": {"[show|import <file>|check <file>]", "Show or import migration settings", settingsCommand},
}

// app carries the process I/O and the lazily opened engine.
type app struct {
	stdout      io.Writer
	stderr      io.Writer
	stdin       *bufio.Reader
	interactive bool

	mu     sync.Mutex
	engine *startup.Engine
	cancel context.CancelFunc
	stops  int
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &app{
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		stdin:       bufio.NewReader(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		cancel:      cancel,
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigChan {
			a.interrupt()
		}
	}()

	code := a.run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

// run dispatches one command line and returns the process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	args, level, err := parseGlobalFlags(args)
	if err != nil {
		return a.fail(err)
	}
	if len(args) == 0 {
		printUsage(a.stderr)
		return exitConfig
	}

	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(a.stdout)
		return exitOK
	}
	cmd, ok := commands[name]
	if !ok {
		sanitized := sanitizeCommand(name)
		fmt.Fprintf(a.stderr, "Unknown command: %s\n\n", sanitized) //nolint:gosec // G705 - input is sanitized via allowlist in sanitizeCommand
		printUsage(a.stderr)
		return exitConfig
	}

	if level != "" {
		l, err := logging.ParseLevel(level)
		if err != nil {
			return a.fail(fmt.Errorf("%w: --log-level: %v", startup.ErrConfig, err))
		}
		logging.SetLevel(l)
	}

	defer a.close()
	if err := cmd.run(ctx, a, args[1:]); err != nil {
		return a.fail(err)
	}
	return exitOK
}

// open loads the process configuration and assembles the engine once.
func (a *app) open(ctx context.Context) (*startup.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine != nil {
		return a.engine, nil
	}

	cfg, err := startup.FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.DevMode && !logging.IsDebugEnabled() {
		logging.SetLevel(logging.LevelDebug)
	}
	engine, err := startup.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	return engine, nil
}

func (a *app) close() {
	a.mu.Lock()
	engine := a.engine
	a.engine = nil
	a.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.Close(); err != nil {
		fmt.Fprintf(a.stderr, "Warning: failed to close database: %v\n", err)
	}
}

// interrupt handles SIGINT/SIGTERM. The first signal stops a running job
// after its current attachment; the second aborts it.
func (a *app) interrupt() {
	a.mu.Lock()
	a.stops++
	n := a.stops
	engine := a.engine
	a.mu.Unlock()

	if engine == nil || !engine.Scheduler.Running() {
		fmt.Fprintln(a.stderr, "\nInterrupted, shutting down...")
		a.cancel()
		return
	}
	if n == 1 {
		fmt.Fprintln(a.stderr, "\nStopping after the current attachment (interrupt again to abort)...")
		_ = engine.Scheduler.Stop(false)
		return
	}
	fmt.Fprintln(a.stderr, "\nAborting the current attachment...")
	_ = engine.Scheduler.Stop(true)
	a.cancel()
}

// fail reports err and maps it to an exit code.
func (a *app) fail(err error) int {
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	code := exitCode(err)
	if code == exitConfig && errors.Is(err, errUsage) {
		fmt.Fprintln(a.stderr, "Run 'webp-migrator help' for usage.")
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, startup.ErrConfig), errors.Is(err, settings.ErrInvalid):
		return exitConfig
	case startup.IsHostNotReady(err):
		return exitNotReady
	default:
		return exitFailure
	}
}

// parseGlobalFlags strips --log-level from the front of args.
func parseGlobalFlags(args []string) (rest []string, level string, err error) {
	for len(args) > 0 && strings.HasPrefix(args[0], "--log-level") {
		arg := args[0]
		switch {
		case strings.HasPrefix(arg, "--log-level="):
			level = strings.TrimPrefix(arg, "--log-level=")
			args = args[1:]
		case arg == "--log-level" && len(args) > 1:
			level = args[1]
			args = args[2:]
		default:
			return nil, "", usageError("--log-level needs a value")
		}
	}
	return args, level, nil
}

// confirm asks before bulk operations. Non-interactive callers must pass
// --yes.
func (a *app) confirm(prompt string, yes bool) error {
	if yes {
		return nil
	}
	if !a.interactive {
		return usageError("refusing to %s without --yes on a non-interactive terminal", prompt)
	}
	fmt.Fprintf(a.stdout, "Really %s? [y/N] ", prompt)
	line, err := a.stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return errors.New("aborted")
	}
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sanitizeCommand returns a safe representation of a command string for display.
// It uses an allowlist approach, replacing any character that is not alphanumeric,
// a hyphen, or an underscore with '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "WebP Migrator")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: webp-migrator [--log-level=LEVEL] <command> [arguments]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(w, "  %-9s %s\n", name, c.args)
		fmt.Fprintf(w, "  %-9s   %s\n", "", c.summary)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 success, 1 failure, 2 configuration error, 3 host not ready")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  UPLOADS_DIR, UPLOADS_URL, DB_BACKEND, DATABASE_PATH, DATABASE_URL,")
	fmt.Fprintln(w, "  TABLE_PREFIX, SETTINGS_FILE, BATCH_TIMEOUT, REPROCESS_TIMEOUT, STOP_TIMEOUT,")
	fmt.Fprintln(w, "  BATCH_DELAY, DEV_MODE, LOG_LEVEL")
}
