// Package runlog implements the timestamped run log every pipeline
// invocation writes to <root>/adw_run_logs/, with optional webhook coupling
// for single-line Slack-style status updates.
package runlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"refactorctl/internal/notify"
)

// Logger writes a timestamped header then appends "[HH:MM:SS] <line>" per
// event to a run log file, optionally mirroring to stdout and notifying a
// webhook for significant events.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	mirror   bool
	notifier *notify.Notifier
	runType  string
	path     string
}

// Config configures a new run Logger.
type Config struct {
	Root     string // repository root; log goes under <Root>/adw_run_logs/
	RunType  string // e.g. "refactor", used in the log filename and notify host tag
	Mirror   bool   // also write each line to stdout
	Notifier *notify.Notifier
	Now      time.Time // timestamp used in the filename; zero means time.Now()
}

// New creates the run log file and writes its header.
func New(cfg Config) (*Logger, error) {
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}

	dir := filepath.Join(cfg.Root, "adw_run_logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log dir: %w", err)
	}

	ts := now.Format("20060102_150405")
	name := fmt.Sprintf("%s_%s_run.log", ts, cfg.RunType)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	l := &Logger{
		file:     f,
		mirror:   cfg.Mirror,
		notifier: cfg.Notifier,
		runType:  cfg.RunType,
		path:     path,
	}

	fmt.Fprintf(f, "=== refactorctl run log ===\nrun_type: %s\nstarted: %s\n\n", cfg.RunType, now.Format(time.RFC3339))
	return l, nil
}

// Path returns the path of the underlying log file.
func (l *Logger) Path() string {
	return l.path
}

func (l *Logger) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamped := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), line)
	if _, err := l.file.WriteString(stamped); err != nil && l.mirror {
		// Best effort: if the file write itself fails, at least surface it.
		fmt.Fprintf(os.Stderr, "runlog: write failed: %v\n", err)
	}
	if l.mirror {
		if err := writeMirror(os.Stdout, stamped); err != nil {
			asciiWrite(os.Stdout, stamped)
		}
	}
}

// writeMirror attempts a direct UTF-8 write; callers fall back to
// asciiWrite on error (e.g. a non-UTF-8 terminal encoding).
func writeMirror(w io.Writer, s string) error {
	_, err := io.WriteString(w, s)
	return err
}

// asciiWrite strips non-ASCII bytes before writing, as a last-resort
// fallback when the terminal can't take the line as-is.
func asciiWrite(w io.Writer, s string) {
	var b strings.Builder
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
		} else {
			b.WriteByte('?')
		}
	}
	io.WriteString(w, b.String())
}

// PhaseStart logs the start of a pipeline phase (audit, parse, implement,
// validate, ...). When notify is true it also posts a "started" webhook.
func (l *Logger) PhaseStart(ctx context.Context, name string, notifyWebhook bool) {
	l.writeLine(fmt.Sprintf("=== PHASE START: %s ===", name))
	if notifyWebhook && l.notifier != nil {
		l.notifier.Notify(ctx, notify.StatusStarted, "phase:"+name, nil)
	}
}

// Step logs one discrete step within the current phase.
func (l *Logger) Step(ctx context.Context, desc string, notifyWebhook bool) {
	l.writeLine("  - " + desc)
	if notifyWebhook && l.notifier != nil {
		l.notifier.Notify(ctx, notify.StatusInProgress, desc, nil)
	}
}

// PhaseComplete logs the end of a phase, success or failure.
func (l *Logger) PhaseComplete(ctx context.Context, name string, success bool, err error, notifyWebhook bool) {
	status := "OK"
	if !success {
		status = "FAILED"
	}
	line := fmt.Sprintf("=== PHASE COMPLETE: %s [%s] ===", name, status)
	if err != nil {
		line += fmt.Sprintf(" error=%v", err)
	}
	l.writeLine(line)

	if notifyWebhook && l.notifier != nil {
		st := notify.StatusSuccess
		if !success {
			st = notify.StatusFailure
		}
		l.notifier.Notify(ctx, st, "phase:"+name, err)
	}
}

// Error logs an exception with optional free-form context.
func (l *Logger) Error(ctx context.Context, err error, errContext string, notifyWebhook bool) {
	line := fmt.Sprintf("ERROR: %v", err)
	if errContext != "" {
		line = fmt.Sprintf("ERROR (%s): %v", errContext, err)
	}
	l.writeLine(line)
	if notifyWebhook && l.notifier != nil {
		l.notifier.Notify(ctx, notify.StatusFailure, errContext, err)
	}
}

// Summary writes an arbitrary set of key/value pairs, e.g. final counts.
func (l *Logger) Summary(kv map[string]any) {
	l.writeLine("--- summary ---")
	for k, v := range kv {
		l.writeLine(fmt.Sprintf("  %s: %v", k, v))
	}
}

// Finalize writes the terminal line and closes the log file. Call exactly
// once, at the end of a run.
func (l *Logger) Finalize(ctx context.Context, success bool, notifyWebhook bool) error {
	status := "SUCCESS"
	if !success {
		status = "FAILURE"
	}
	l.writeLine(fmt.Sprintf("=== RUN FINISHED: %s ===", status))

	if notifyWebhook && l.notifier != nil {
		st := notify.StatusSuccess
		if !success {
			st = notify.StatusFailure
		}
		l.notifier.Notify(ctx, st, "run:"+l.runType, nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
