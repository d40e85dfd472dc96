// audit - re-validates stored runs offline.
// The ledger is replayed from each run's stored balance events and joined
// against its stored position snapshots; any finding makes the exit status 1.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/eddiefleurent/scranton_ledger/internal/config"
	"github.com/eddiefleurent/scranton_ledger/internal/models"
	"github.com/eddiefleurent/scranton_ledger/internal/reconcile"
	"github.com/eddiefleurent/scranton_ledger/internal/storage"
)

// RunAudit is the outcome for one stored run
type RunAudit struct {
	RunID  string           `json:"run_id"`
	Mode   string           `json:"mode"`
	Report reconcile.Report `json:"report"`
	OK     bool             `json:"ok"`
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "config.yaml", "Path to configuration file")
		runID      = fs.String("run", "", "Run id to audit; empty audits every stored run")
		jsonOutput = fs.Bool("json", false, "Output results as JSON")
		verbose    = fs.Bool("v", false, "Verbose output")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *verbose {
		_, _ = fmt.Fprintf(stderr, "Using config: %s\n", *configPath)
		_, _ = fmt.Fprintf(stderr, "Storage: %s (%s)\n\n", cfg.Storage.Backend, describeTarget(cfg.Storage))
	}

	store, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to open storage: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	ids := []string{*runID}
	if *runID == "" {
		runs, err := store.ListRuns(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Failed to list runs: %v\n", err)
			return 1
		}
		ids = ids[:0]
		for _, r := range runs {
			ids = append(ids, r.RunID)
		}
	}

	audits := make([]RunAudit, 0, len(ids))
	for _, id := range ids {
		a, err := auditRun(ctx, store, id)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Failed to audit run %s: %v\n", id, err)
			return 1
		}
		audits = append(audits, a)
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(audits); err != nil {
			_, _ = fmt.Fprintf(stderr, "Failed to marshal JSON: %v\n", err)
			return 1
		}
	} else {
		printReport(stdout, audits)
	}

	for _, a := range audits {
		if !a.OK {
			return 1
		}
	}
	return 0
}

// auditRun reads events from the backend's event store rather than the
// run payload, so a backend that splits them is checked end to end
func auditRun(ctx context.Context, store storage.Interface, runID string) (RunAudit, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return RunAudit{}, err
	}
	events, err := store.GetEvents(ctx, runID)
	if err != nil {
		return RunAudit{}, err
	}
	rep := reconcile.Audit(run.InitialBalance, events, run.Positions)
	return RunAudit{RunID: run.RunID, Mode: run.Mode, Report: rep, OK: rep.OK()}, nil
}

func printReport(w io.Writer, audits []RunAudit) {
	if len(audits) == 0 {
		_, _ = fmt.Fprintln(w, "No stored runs.")
		return
	}
	for _, a := range audits {
		status := "OK"
		if !a.OK {
			status = "FAILED"
		}
		res := a.Report.Result
		_, _ = fmt.Fprintf(w, "=== RUN %s (%s) %s ===\n", models.ShortID(a.RunID), a.Mode, status)
		_, _ = fmt.Fprintf(w, "  expected balance: %s\n", res.Expected.StringFixed(2))
		_, _ = fmt.Fprintf(w, "  actual balance:   %s\n", res.Actual.StringFixed(2))
		_, _ = fmt.Fprintf(w, "  discrepancy:      %s\n", res.Discrepancy.StringFixed(2))
		if a.Report.ReplayError != "" {
			_, _ = fmt.Fprintf(w, "  replay: %s\n", a.Report.ReplayError)
		}
		if len(a.Report.Issues) > 0 {
			_, _ = fmt.Fprintf(w, "  ISSUES FOUND:\n")
			for i, issue := range a.Report.Issues {
				_, _ = fmt.Fprintf(w, "    %d. %s\n", i+1, issue)
			}
		}
		_, _ = fmt.Fprintln(w)
	}
}

// describeTarget names where runs are read from without leaking credentials
func describeTarget(cfg config.StorageConfig) string {
	if cfg.Backend != "postgres" {
		return cfg.Path
	}
	return maskDSN(cfg.DSN)
}

// maskDSN hides the password of a postgres URL
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "<dsn>"
	}
	if u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
