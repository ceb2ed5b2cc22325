package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"webp-migrator/internal/commit"
	"webp-migrator/internal/database"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/queue"
	"webp-migrator/internal/scheduler"
	"webp-migrator/internal/settings"
	"webp-migrator/internal/state"

	"gopkg.in/yaml.v3"
)

// runFlags are the per-run overrides accepted by the run command.
type runFlags struct {
	limit      int
	batch      int
	format     string
	quality    int
	speed      int
	effort     int
	noValidate bool

	set map[string]bool
}

// parseRunFlags accepts key=value pairs with or without a leading "--".
func parseRunFlags(args []string) (runFlags, error) {
	f := runFlags{set: map[string]bool{}}
	for _, arg := range args {
		key, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if key == "no-validate" {
			if hasValue {
				return f, usageError("no-validate takes no value")
			}
			f.noValidate = true
			f.set[key] = true
			continue
		}
		if !hasValue || value == "" {
			return f, usageError("expected key=value, got %q", arg)
		}

		var dst *int
		switch key {
		case "format":
			f.format = strings.ToLower(value)
			f.set[key] = true
			continue
		case "limit":
			dst = &f.limit
		case "batch":
			dst = &f.batch
		case "quality":
			dst = &f.quality
		case "speed":
			dst = &f.speed
		case "effort":
			dst = &f.effort
		default:
			return f, usageError("unknown run option %q", key)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return f, usageError("%s must be an integer, got %q", key, value)
		}
		*dst = n
		f.set[key] = true
	}
	if f.limit < 0 {
		return f, usageError("limit must not be negative")
	}
	return f, nil
}

// apply writes the overrides onto s. Quality applies to the effective
// target format.
func (f runFlags) apply(s *settings.Settings) {
	if f.set["format"] {
		s.TargetFormat = f.format
	}
	if f.set["quality"] {
		s.SetQuality(f.quality)
	}
	if f.set["speed"] {
		s.AVIFSpeed = f.speed
	}
	if f.set["effort"] {
		s.JXLEffort = f.effort
	}
	if f.set["batch"] {
		s.BatchSize = f.batch
	}
	if f.noValidate {
		s.ValidationMode = false
	}
}

func runCommand(ctx context.Context, a *app, args []string) error {
	flags, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	engine, err := a.open(ctx)
	if err != nil {
		return err
	}

	stored, err := engine.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	flags.apply(&stored)
	if err := stored.Validate(); err != nil {
		return err
	}

	start := time.Now()
	p, err := engine.Scheduler.Run(ctx, scheduler.RunOptions{Limit: flags.limit, Adjust: flags.apply})
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		return err
	}

	fmt.Fprintf(a.stdout, "Job %s %s in %s\n", p.JobID, p.State, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(a.stdout, "  processed: %d\n  errors:    %d\n  remaining: %d\n", p.Processed, p.Errors, p.Remaining)
	if p.Warning != "" {
		fmt.Fprintf(a.stdout, "  warning:   %s\n", p.Warning)
	}
	if err != nil {
		return err
	}
	switch p.State {
	case scheduler.StateCompleted, scheduler.StateStoppedGracefully:
		return nil
	default:
		return fmt.Errorf("job ended %s", p.State)
	}
}

func countCommand(ctx context.Context, a *app, args []string) error {
	limit := 0
	override := false
	for _, arg := range args {
		key, value, _ := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		switch key {
		case "override":
			override = true
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return usageError("limit must be a non-negative integer, got %q", value)
			}
			limit = n
		default:
			return usageError("unknown count option %q", key)
		}
	}

	engine, err := a.open(ctx)
	if err != nil {
		return err
	}
	s, err := engine.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	res, err := engine.Selector.Count(ctx, limit, override, queue.FilterFromSettings(s))
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

// parseID reads a positive attachment id.
func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, usageError("expected exactly one attachment id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, usageError("invalid attachment id %q", args[0])
	}
	return id, nil
}

func retryCommand(ctx context.Context, a *app, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	engine, err := a.open(ctx)
	if err != nil {
		return err
	}

	res, err := engine.Scheduler.Retry(ctx, id)
	if err != nil {
		var se *state.StepError
		if errors.As(err, &se) {
			_ = a.printJSON(map[string]interface{}{
				"id":      id,
				"status":  se.Status.Label(),
				"step":    se.Step,
				"message": se.Error(),
			})
		}
		return err
	}
	return a.printJSON(res)
}

// attachmentStatus is the output of the status command.
type attachmentStatus struct {
	ID        int64         `json:"id"`
	Title     string        `json:"title"`
	File      string        `json:"file"`
	Status    string        `json:"status"`
	BackupDir string        `json:"backup_dir,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Ledger    *ledger.Entry `json:"ledger,omitempty"`
}

func statusCommand(ctx context.Context, a *app, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	engine, err := a.open(ctx)
	if err != nil {
		return err
	}

	att, err := engine.DB.GetAttachment(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("attachment %d does not exist", id)
		}
		return err
	}
	tracker := engine.Pipeline.Tracker()
	st, err := tracker.Status(ctx, id)
	if err != nil {
		return err
	}
	out := attachmentStatus{ID: id, Title: att.Title, File: att.RelativePath, Status: st.Label()}
	if dir, ok, err := tracker.BackupDir(ctx, id); err == nil && ok {
		out.BackupDir = dir
	}
	if msg, err := tracker.LastError(ctx, id); err == nil {
		out.LastError = msg
	}
	if entry, ok, err := engine.Errors.Get(ctx, id); err == nil && ok {
		out.Ledger = &entry
	}
	return a.printJSON(out)
}

// parseTarget reads "<id>" or "all" plus an optional --yes.
func parseTarget(args []string) (id int64, all, yes bool, err error) {
	var rest []string
	for _, arg := range args {
		if arg == "--yes" || arg == "-y" {
			yes = true
			continue
		}
		rest = append(rest, arg)
	}
	if len(rest) == 1 && rest[0] == "all" {
		return 0, true, yes, nil
	}
	id, err = parseID(rest)
	return id, false, yes, err
}

func commitCommand(ctx context.Context, a *app, args []string) error {
	id, all, yes, err := parseTarget(args)
	if err != nil {
		return err
	}
	engine, err := a.open(ctx)
	if err != nil {
		return err
	}

	if !all {
		committed, err := engine.Commits.Commit(ctx, id)
		if err != nil {
			return err
		}
		if committed {
			fmt.Fprintf(a.stdout, "Committed attachment %d\n", id)
		} else {
			fmt.Fprintf(a.stdout, "Attachment %d was already committed\n", id)
		}
		return nil
	}

	relinked, err := engine.Commits.ListRelinked(ctx)
	if err != nil {
		return err
	}
	if len(relinked) == 0 {
		fmt.Fprintln(a.stdout, "No relinked attachments to commit")
		return nil
	}
	if err := a.confirm(fmt.Sprintf("commit %d attachments and delete their backups", len(relinked)), yes); err != nil {
		return err
	}
	summary, err := engine.Commits.CommitAll(ctx)
	if err != nil {
		return err
	}
	return summaryResult(a, summary)
}

func summaryResult(a *app, s commit.Summary) error {
	if err := a.printJSON(s); err != nil {
		return err
	}
	if s.Failed > 0 {
		return fmt.Errorf("%d attachments failed to commit", s.Failed)
	}
	return nil
}

func rollbackCommand(ctx context.Context, a *app, args []string) error {
	id, all, yes, err := parseTarget(args)
	if err != nil {
		return err
	}
	engine, err := a.open(ctx)
	if err != nil {
		return err
	}

	if !all {
		if err := engine.Commits.Rollback(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Rolled back attachment %d\n", id)
		return nil
	}

	relinked, err := engine.Commits.ListRelinked(ctx)
	if err != nil {
		return err
	}
	if len(relinked) == 0 {
		fmt.Fprintln(a.stdout, "No relinked attachments to roll back")
		return nil
	}
	if err := a.confirm(fmt.Sprintf("roll back %d attachments", len(relinked)), yes); err != nil {
		return err
	}

	failed := 0
	for _, r := range relinked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := engine.Commits.Rollback(ctx, r.ID); err != nil {
			failed++
			fmt.Fprintf(a.stderr, "  attachment %d: %v\n", r.ID, err)
			continue
		}
		fmt.Fprintf(a.stdout, "Rolled back attachment %d (%s)\n", r.ID, r.Title)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rollbacks failed", failed, len(relinked))
	}
	return nil
}

func errorsCommand(ctx context.Context, a *app, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}
	var (
		id  int64
		yes bool
		err error
	)
	switch sub {
	case "list", "stats", "reprocess":
		if len(args) > 0 {
			return usageError("errors %s takes no arguments", sub)
		}
	case "clear":
		for _, arg := range args {
			if arg != "--yes" && arg != "-y" {
				return usageError("unexpected argument %q", arg)
			}
			yes = true
		}
	case "remove":
		if id, err = parseID(args); err != nil {
			return err
		}
	default:
		return usageError("unknown errors subcommand %q", sanitizeCommand(sub))
	}

	engine, err := a.open(ctx)
	if err != nil {
		return err
	}
	switch sub {
	case "stats":
		s, err := engine.Errors.Stats(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(s)
	case "clear":
		if err := a.confirm("clear the error ledger", yes); err != nil {
			return err
		}
		n, err := engine.Errors.Clear(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Removed %d ledger entries\n", n)
		return nil
	case "remove":
		removed, err := engine.Errors.Remove(ctx, id)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("attachment %d has no ledger entry", id)
		}
		fmt.Fprintf(a.stdout, "Removed ledger entry for attachment %d\n", id)
		return nil
	case "reprocess":
		summary, err := engine.Scheduler.ReprocessErrors(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(summary)
	default:
		entries, err := engine.Errors.All(ctx)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
		return a.printJSON(entries)
	}
}

func settingsCommand(ctx context.Context, a *app, args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "check":
		if len(args) != 1 {
			return usageError("settings check needs a file")
		}
		if _, err := settings.LoadYAMLFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s is valid\n", args[0])
		return nil
	case "import":
		if len(args) != 1 {
			return usageError("settings import needs a file")
		}
		engine, err := a.open(ctx)
		if err != nil {
			return err
		}
		return engine.ImportSettings(ctx, args[0])
	case "show":
		if len(args) > 0 {
			return usageError("settings show takes no arguments")
		}
		engine, err := a.open(ctx)
		if err != nil {
			return err
		}
		s, err := engine.LoadSettings(ctx)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(a.stdout)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	default:
		return usageError("unknown settings subcommand %q", sanitizeCommand(sub))
	}
}
