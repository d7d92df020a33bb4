// Package main is the entry point for rhinodb.
//
// rhinodb manages named databases stored in a data directory. Each database
// keeps its metadata in its own manifest file and a registry maps names to
// identifiers. Changes are written after a period of inactivity and on exit.
// Configuration is read from application.json in the data directory and can
// be overridden with CLI flags.
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
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/lfinteractive/rhinodb/internal/database"
	"github.com/lfinteractive/rhinodb/internal/registry"
	"github.com/lfinteractive/rhinodb/internal/storage"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rhinodb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (verbose, debug, info, warn, error, fatal)")
	autosave := flag.Duration("autosave", storage.DefaultAutosaveInterval, "Idle time before pending changes are written")
	flag.Usage = usage
	flag.Parse()

	if *version {
		printVersion(os.Stdout)
		return nil
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	slog.SetDefault(newLogger(os.Stderr, ll))

	layout, err := storage.NewLayout(*dataDir)
	if err != nil {
		return err
	}
	// Creates application.json with defaults if missing.
	cfg, err := storage.LoadConfig(layout.ConfigPath())
	if err != nil {
		return err
	}

	// Flags override the file only when explicitly set.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["log-level"] {
		if cfg.LogLevel, err = storage.ParseLogLevel(*logLevel); err != nil {
			return err
		}
	}
	if set["autosave"] {
		cfg.AutosaveInterval = storage.Duration(*autosave)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ll.Set(cfg.LogLevel.Slog())

	reg, err := registry.Open(layout.RegistryPath())
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	svc := database.NewService(layout, reg, cfg.AutosaveInterval.D())
	slog.DebugContext(ctx, "Opened data directory", "dir", layout.Root(), "databases", reg.Len(), "autosave", cfg.AutosaveInterval.D())

	if args[0] == "shell" {
		if err := watchExecutable(ctx, stop); err != nil {
			slog.WarnContext(ctx, "Could not watch executable", "err", err)
		}
	}
	runErr := run(ctx, svc, args, os.Stdin, os.Stdout)

	// Pending changes are written even when interrupted.
	closeErr := svc.Close(ctx)
	if closeErr != nil {
		slog.ErrorContext(ctx, "Failed to flush databases on exit", "err", closeErr)
	}
	saveErr := cfg.Save(layout.ConfigPath())
	return errors.Join(runErr, closeErr, saveErr)
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: rhinodb [flags] <command> [args]\n\n")
	fmt.Fprint(w, commandHelp)
	fmt.Fprintf(w, "\nflags:\n")
	flag.PrintDefaults()
}

// newLogger returns a tint logger writing to w. Color is only used on a
// terminal.
func newLogger(w *os.File, ll *slog.LevelVar) *slog.Logger {
	return slog.New(tint.NewHandler(colorable.NewColorable(w), &tint.Options{
		Level:       ll,
		TimeFormat:  "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:     !isatty.IsTerminal(w.Fd()),
		ReplaceAttr: replaceAttr(os.Getenv("JOURNAL_STREAM") != ""),
	}))
}

// replaceAttr drops zero-valued attributes, and the timestamp when running
// under systemd since the journal adds its own.
func replaceAttr(underSystemd bool) func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
			return slog.Attr{}
		}
		skip := false
		switch t := a.Value.Any().(type) {
		case string:
			skip = t == ""
		case bool:
			skip = !t
		case uint64:
			skip = t == 0
		case int64:
			skip = t == 0
		case float64:
			skip = t == 0
		case time.Time:
			skip = t.IsZero()
		case time.Duration:
			skip = t == 0
		case uuid.UUID:
			skip = t == uuid.Nil
		case nil:
			skip = true
		}
		if skip {
			return slog.Attr{}
		}
		return a
	}
}

func printVersion(w io.Writer) {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Fprintf(w, "rhinodb %s\n", version)
	fmt.Fprintf(w, "  Go version: %s\n", goVersion)
	fmt.Fprintf(w, "  Revision:   %s\n", revision)
	if dirty {
		fmt.Fprintf(w, "  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable watches the current executable for modifications and calls
// stop when detected, so a long-running shell flushes and exits before the
// binary is replaced.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
