package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/store"
	"github.com/wolfeidau/simpledatastore/store/scrub"
	"github.com/wolfeidau/simpledatastore/telemetry"
)

// errNeedsRepair is returned by check --exit-code when the store is not clean.
var errNeedsRepair = errors.New("store needs reconciliation")

// AddCmd adds a new object.
type AddCmd struct {
	ID    int64    `arg:"" help:"Object id."`
	Lines []string `arg:"" optional:"" help:"Content lines."`
}

func (c *AddCmd) Run(ctx context.Context, app *App) error {
	lines, err := app.contentLines(c.Lines)
	if err != nil {
		return err
	}
	st, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	return st.Add(ctx, c.ID, lines)
}

// CatCmd prints an object.
type CatCmd struct {
	ID int64 `arg:"" help:"Object id."`
}

func (c *CatCmd) Run(ctx context.Context, app *App) error {
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	lines, err := st.Read(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(app.stdout, line)
	}
	return nil
}

// WriteCmd replaces an object's content.
type WriteCmd struct {
	ID    int64    `arg:"" help:"Object id."`
	Lines []string `arg:"" optional:"" help:"Content lines."`
}

func (c *WriteCmd) Run(ctx context.Context, app *App) error {
	lines, err := app.contentLines(c.Lines)
	if err != nil {
		return err
	}
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	return st.Write(ctx, c.ID, lines)
}

// AppendCmd appends to an object.
type AppendCmd struct {
	ID    int64    `arg:"" help:"Object id."`
	Lines []string `arg:"" optional:"" help:"Content lines."`
}

func (c *AppendCmd) Run(ctx context.Context, app *App) error {
	lines, err := app.contentLines(c.Lines)
	if err != nil {
		return err
	}
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	return st.Append(ctx, c.ID, lines)
}

// RmCmd deletes an object.
type RmCmd struct {
	ID int64 `arg:"" help:"Object id."`
}

func (c *RmCmd) Run(ctx context.Context, app *App) error {
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	return st.Delete(ctx, c.ID)
}

// LsCmd lists ids.
type LsCmd struct{}

func (c *LsCmd) Run(ctx context.Context, app *App) error {
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	ids, err := st.ListIDs(ctx)
	if err != nil {
		if errors.Is(err, simpledatastore.ErrInconsistentState) || errors.Is(err, simpledatastore.ErrMalformedName) {
			return fmt.Errorf("%w; run 'simpledatastore reconcile'", err)
		}
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(app.stdout, id)
	}
	return nil
}

// StatCmd describes the file behind an object.
type StatCmd struct {
	ID int64 `arg:"" help:"Object id."`
}

func (c *StatCmd) Run(ctx context.Context, app *App) error {
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	d, err := st.Lookup(ctx, c.ID)
	if err != nil {
		return err
	}
	lines, err := st.Read(ctx, c.ID)
	if err != nil {
		return err
	}

	verified := store.Hash(lines) == d.Hash
	tw := tabwriter.NewWriter(app.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%d\n", d.ID)
	fmt.Fprintf(tw, "hash:\t%s\n", d.Hash)
	fmt.Fprintf(tw, "lines:\t%d\n", len(lines))
	fmt.Fprintf(tw, "verified:\t%t\n", verified)
	fmt.Fprintf(tw, "path:\t%s\n", d.Path)
	return tw.Flush()
}

// HashCmd prints a content hash without touching the store.
type HashCmd struct {
	Lines []string `arg:"" optional:"" help:"Content lines."`
}

func (c *HashCmd) Run(app *App) error {
	lines, err := app.contentLines(c.Lines)
	if err != nil {
		return err
	}
	fmt.Fprintln(app.stdout, store.Hash(lines))
	return nil
}

// CheckCmd is a dry-run reconciliation.
type CheckCmd struct {
	JSON     bool `help:"Print the report as JSON."`
	ExitCode bool `help:"Fail when the store needs reconciliation."`
}

func (c *CheckCmd) Run(ctx context.Context, app *App) error {
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	report, err := st.Check(ctx)
	if err != nil {
		return err
	}
	if err := printReport(app.stdout, report, c.JSON); err != nil {
		return err
	}
	if c.ExitCode && report.Changed() {
		return errNeedsRepair
	}
	return nil
}

// ReconcileCmd repairs the store once and records the run.
type ReconcileCmd struct {
	JSON bool `help:"Print the run as JSON."`
}

func (c *ReconcileCmd) Run(ctx context.Context, app *App) error {
	st, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	j, err := app.openJournal()
	if err != nil {
		return err
	}
	defer closeJournal(j, app.logger)

	mgr := scrub.New(st, scrub.DefaultConfig(),
		scrub.WithLogger(app.logger),
		scrub.WithJournal(j),
		scrub.WithMetrics(telemetry.Meter()),
	)
	result, err := mgr.RunNow(ctx)
	if err != nil {
		return err
	}

	if c.JSON {
		return writeJSON(app.stdout, result)
	}
	fmt.Fprintf(app.stdout, "run:        %s\n", result.RunID)
	return printReport(app.stdout, result.Report, false)
}

// HistoryCmd lists journaled runs.
type HistoryCmd struct {
	Limit int    `help:"Number of runs to show, 0 for all." default:"20"`
	RunID string `name:"run" help:"Show a single run by id."`
	JSON  bool   `help:"Print runs as JSON."`
}

func (c *HistoryCmd) Run(ctx context.Context, app *App) error {
	j, err := app.openJournal()
	if err != nil {
		return err
	}
	if j == nil {
		return errors.New("journal disabled")
	}
	defer closeJournal(j, app.logger)

	if c.RunID != "" {
		e, err := j.Get(ctx, c.RunID)
		if err != nil {
			return fmt.Errorf("run %s: %w", c.RunID, err)
		}
		if c.JSON {
			return writeJSON(app.stdout, e)
		}
		fmt.Fprintf(app.stdout, "run:        %s\n", e.RunID)
		fmt.Fprintf(app.stdout, "trigger:    %s\n", e.Trigger)
		fmt.Fprintf(app.stdout, "started:    %s\n", e.StartedAt.Format(time.RFC3339))
		fmt.Fprintf(app.stdout, "duration:   %s\n", e.Duration)
		fmt.Fprintf(app.stdout, "before:     %s\n", e.Before)
		fmt.Fprintf(app.stdout, "after:      %s\n", e.After)
		if e.Error != "" {
			fmt.Fprintf(app.stdout, "error:      %s\n", e.Error)
		}
		if e.Report != nil {
			return printReport(app.stdout, e.Report, false)
		}
		return nil
	}

	entries, err := j.List(ctx, c.Limit)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(app.stdout, entries)
	}

	tw := tabwriter.NewWriter(app.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tTRIGGER\tREMOVED\tORPHANS\tSURVIVORS\tSTATE")
	for _, e := range entries {
		removed, orphans, survivors := "-", "-", "-"
		if e.Report != nil {
			removed = fmt.Sprint(len(e.Report.Removed()))
			orphans = fmt.Sprint(len(e.Report.OrphanIDs))
			survivors = fmt.Sprint(len(e.Report.Survivors))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.RunID, e.StartedAt.Format(time.RFC3339), e.Trigger,
			removed, orphans, survivors, e.After.ShortString())
	}
	return tw.Flush()
}

// WatchCmd runs scheduled reconciliation until interrupted.
type WatchCmd struct {
	Interval     time.Duration `help:"Time between runs." default:"1h"`
	StartupDelay time.Duration `help:"Delay before the first run." default:"0s"`
	DryRun       bool          `help:"Report problems without repairing them."`
	Keep         int           `help:"Runs kept in the journal, 0 keeps all." default:"100"`
	MetricsAddr  string        `help:"Serve Prometheus metrics on this address (e.g. :9090)." env:"SDS_METRICS_ADDR"`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics export." env:"SDS_OTLP_ENDPOINT"`
}

func (c *WatchCmd) Run(ctx context.Context, app *App) error {
	if c.Interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", c.Interval)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "simpledatastore",
		ServiceVersion:   versionString(),
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			app.logger.Error("shutting down metrics", "error", err)
		}
	}()

	st, err := app.openStore(ctx, store.WithInstrumentation("filesystem"))
	if err != nil {
		return err
	}
	j, err := app.openJournal()
	if err != nil {
		return err
	}
	defer closeJournal(j, app.logger)

	config := scrub.DefaultConfig()
	config.Interval = c.Interval
	config.StartupDelay = c.StartupDelay
	config.DryRun = c.DryRun
	config.JournalKeep = c.Keep

	mgr := scrub.New(st, config,
		scrub.WithLogger(app.logger),
		scrub.WithJournal(j),
		scrub.WithMetrics(telemetry.Meter()),
	)

	var srv *http.Server
	errCh := make(chan error, 1)
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		srv = &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		app.logger.Info("metrics server started", "address", c.MetricsAddr)
	}

	mgr.Start(ctx)
	app.logger.Info("watching store", "store", app.cli.Store, "interval", c.Interval)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		app.logger.Error("stopping scrub manager", "error", err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("shutting down metrics server", "error", err)
		}
	}
	return runErr
}

// DestroyCmd removes the store.
type DestroyCmd struct {
	Yes bool `help:"Confirm deletion."`
}

func (c *DestroyCmd) Run(ctx context.Context, app *App) error {
	if !c.Yes {
		return fmt.Errorf("refusing to delete %s without --yes", app.cli.Store)
	}
	st, err := app.openExistingStore(ctx)
	if err != nil {
		return err
	}
	return st.Destroy(ctx)
}

// contentLines returns args, or the lines of stdin when there are none.
func (a *App) contentLines(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	var lines []string
	scanner := bufio.NewScanner(a.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return lines, nil
}

func printReport(w io.Writer, r *store.Report, asJSON bool) error {
	if asJSON {
		return writeJSON(w, r)
	}

	if r.DryRun {
		fmt.Fprintln(w, "mode:       check (no changes made)")
	}
	if r.Ledger != nil && !r.Ledger.Clean() {
		fmt.Fprintf(w, "ledger:     %d duplicated ids %v, %d malformed lines\n",
			len(r.Ledger.Duplicates), r.Ledger.Duplicates, len(r.Ledger.Malformed))
	}
	printNames(w, "malformed", r.MalformedFiles)
	printNames(w, "duplicate", r.DuplicateFiles)
	printNames(w, "unindexed", r.UnindexedFiles)
	printNames(w, "corrupt", r.CorruptFiles)
	if len(r.OrphanIDs) > 0 {
		fmt.Fprintf(w, "orphan ids: %v\n", r.OrphanIDs)
	}
	fmt.Fprintf(w, "survivors:  %d\n", len(r.Survivors))
	fmt.Fprintf(w, "reclaimed:  %d bytes\n", r.BytesReclaimed)
	if !r.Changed() {
		fmt.Fprintln(w, "store is consistent")
	}
	return nil
}

func printNames(w io.Writer, label string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(w, "%-11s %s\n", label+":", strings.Join(names, " "))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
