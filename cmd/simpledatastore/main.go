// Command simpledatastore manages a local directory of content-addressed
// objects: add, read and rewrite objects, and reconcile the store after
// crashes or manual tampering.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/ledger"
	"github.com/wolfeidau/simpledatastore/store"
	"github.com/wolfeidau/simpledatastore/store/journal"
)

// CLI is the command line surface. Global flags apply to every command.
type CLI struct {
	Store     string           `help:"Store directory." default:"./data" env:"SDS_STORE" type:"path"`
	Journal   string           `help:"Journal database path (default: <store>/_journal.db)." env:"SDS_JOURNAL"`
	NoJournal bool             `help:"Do not record reconciliation runs."`
	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"warn" env:"SDS_LOG_LEVEL"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text" env:"SDS_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`

	Add       AddCmd       `cmd:"" help:"Add a new object. Lines are read from stdin when none are given."`
	Cat       CatCmd       `cmd:"" help:"Print the lines of an object."`
	Write     WriteCmd     `cmd:"" help:"Replace the content of an object."`
	Append    AppendCmd    `cmd:"" help:"Append lines to an object."`
	Rm        RmCmd        `cmd:"" help:"Delete an object."`
	Ls        LsCmd        `cmd:"" help:"List object ids."`
	Stat      StatCmd      `cmd:"" help:"Show the file backing an object."`
	Hash      HashCmd      `cmd:"" help:"Print the content hash of lines."`
	Check     CheckCmd     `cmd:"" help:"Report what reconciliation would repair without changing anything."`
	Reconcile ReconcileCmd `cmd:"" help:"Repair the store so the ledger, files and hashes agree."`
	History   HistoryCmd   `cmd:"" help:"List recorded reconciliation runs."`
	Watch     WatchCmd     `cmd:"" help:"Reconcile periodically and export metrics."`
	Destroy   DestroyCmd   `cmd:"" help:"Delete the whole store directory."`
}

// App carries what every command needs.
type App struct {
	cli    *CLI
	stdin  io.Reader
	stdout io.Writer
	logger *slog.Logger
}

func main() {
	if err := mainImpl(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "simpledatastore: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("simpledatastore"),
		kong.Description("A minimal local store of content-addressed objects."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Vars{"version": versionString()},
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(stderr, cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	app := &App{
		cli:    &cli,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(app)
}

func newLogger(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	var handler slog.Handler
	switch logFormat {
	case "text":
		noColor := true
		if f, ok := w.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
			w = colorable.NewColorable(f)
		}
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    noColor,
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}

func (a *App) openStore(ctx context.Context, opts ...store.Option) (*store.Store, error) {
	opts = append([]store.Option{store.WithLogger(a.logger)}, opts...)
	st, err := store.OpenDir(ctx, a.cli.Store, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", a.cli.Store, err)
	}
	return st, nil
}

// openExistingStore opens the store without creating it. Commands that
// only work on existing objects use it so a mistyped --store fails.
func (a *App) openExistingStore(ctx context.Context, opts ...store.Option) (*store.Store, error) {
	if _, err := os.Stat(filepath.Join(a.cli.Store, ledger.FileName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no store at %s: %w", a.cli.Store, simpledatastore.ErrNotFound)
		}
		return nil, fmt.Errorf("opening store %s: %w", a.cli.Store, err)
	}
	return a.openStore(ctx, opts...)
}

// openJournal returns nil when journaling is disabled.
func (a *App) openJournal() (*journal.Journal, error) {
	if a.cli.NoJournal {
		return nil, nil
	}
	path := a.cli.Journal
	if path == "" {
		path = filepath.Join(a.cli.Store, journal.DefaultFileName)
	}
	j, err := journal.Open(path, journal.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return j, nil
}

func closeJournal(j *journal.Journal, logger *slog.Logger) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		logger.Error("closing journal", "error", err)
	}
}

func versionString() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	version := info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
			version += " (" + setting.Value[:12] + ")"
		}
	}
	return version + " " + info.GoVersion
}

// shutdownTimeout bounds graceful shutdown of long-running commands.
const shutdownTimeout = 10 * time.Second
