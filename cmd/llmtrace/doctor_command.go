package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/llmtrace/internal/backend"
	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/spool"
	"github.com/ongoingai/llmtrace/migrations"
)

const (
	defaultDoctorFormat  = "text"
	defaultDoctorTimeout = 5 * time.Second
)

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultDoctorTimeout, "Timeout for each connectivity check")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(errOut, "invalid doctor timeout %s: must be > 0\n", *timeout)
		return 2
	}

	document := buildDoctorDocument(context.Background(), strings.TrimSpace(*configPath), *timeout)
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(ctx context.Context, configPath string, timeout time.Duration) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary, skipped := "failed to load config", "skipped: config failed to load"
		if stage == configStageValidate {
			summary, skipped = "config is invalid", "skipped: config validation failed"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("backend", skipped),
			doctorSkippedCheck("spool", skipped),
			doctorSkippedCheck("tracking", skipped),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{
			fmt.Sprintf("config path: %s", nonEmpty(configPath, "(defaults)")),
			fmt.Sprintf("project: %s", cfg.ProjectName),
		},
	})

	// Connectivity checks are independent and may each wait for a timeout.
	connectivity := make([]doctorCheck, 2)
	var g errgroup.Group
	g.Go(func() error {
		connectivity[0] = runDoctorBackendCheck(ctx, cfg, timeout)
		return nil
	})
	g.Go(func() error {
		connectivity[1] = runDoctorSpoolCheck(ctx, cfg, timeout)
		return nil
	})
	_ = g.Wait()

	doc.Checks = append(doc.Checks, connectivity...)
	doc.Checks = append(doc.Checks, runDoctorTrackingCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorBackendCheck(ctx context.Context, cfg config.Config, timeout time.Duration) doctorCheck {
	check := doctorCheck{Name: "backend"}
	driver := strings.TrimSpace(cfg.Backend.Driver)
	if driver == config.BackendDriverMemory {
		check.Status = doctorStatusWarn
		check.Summary = "memory backend keeps traces in process only"
		check.Details = []string{"backend.driver=memory"}
		return check
	}

	b, err := backend.FromConfig(cfg, nil, nil)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize backend"
		check.Details = []string{err.Error()}
		return check
	}
	pinger, ok := b.(backend.Pinger)
	if !ok {
		return doctorSkippedCheck("backend", "backend does not support connectivity checks")
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pinger.Ping(pingCtx); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "backend connectivity check failed"
		check.Details = []string{fmt.Sprintf("url: %s", cfg.Backend.URL), err.Error()}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "backend is reachable"
	check.Details = []string{fmt.Sprintf("url: %s", cfg.Backend.URL)}
	if workspace := strings.TrimSpace(cfg.Backend.Workspace); workspace != "" {
		check.Details = append(check.Details, fmt.Sprintf("workspace: %s", workspace))
	}
	if strings.TrimSpace(cfg.Backend.APIKey) == "" {
		check.Details = append(check.Details, "api key: not set")
	}
	return check
}

func runDoctorSpoolCheck(ctx context.Context, cfg config.Config, timeout time.Duration) doctorCheck {
	check := doctorCheck{Name: "spool"}
	store, err := spool.Open(cfg.Spool)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to open spool"
		check.Details = []string{err.Error()}
		return check
	}
	if store == nil {
		check.Status = doctorStatusWarn
		check.Summary = "spool is disabled; failed deliveries are dropped"
		check.Details = []string{"spool.driver=none"}
		return check
	}

	statsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stats, err := store.Stats(statsCtx)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "spool connectivity check failed"
		check.Details = []string{err.Error()}
		if closeErr := store.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close spool: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	switch stats.Driver {
	case config.SpoolDriverSQLite:
		path := strings.TrimSpace(cfg.Spool.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite spool"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case config.SpoolDriverPostgres:
		check.Summary = "connected to postgres spool"
	default:
		check.Summary = "connected to spool"
	}
	check.Details = append(check.Details, fmt.Sprintf("pending messages: %d", stats.Depth))
	if dbStore, ok := store.(interface{ DB() *sql.DB }); ok {
		status, err := migrations.Check(statsCtx, dbStore.DB(), stats.Driver)
		if err != nil {
			check.Status = doctorStatusFail
			check.Summary = "failed to read spool schema version"
			check.Details = append(check.Details, err.Error())
			if closeErr := store.Close(); closeErr != nil {
				check.Details = append(check.Details, fmt.Sprintf("close spool: %v", closeErr))
			}
			return check
		}
		check.Details = append(check.Details, fmt.Sprintf("schema migrations: %d applied, %d pending", len(status.Applied), len(status.Pending)))
	}
	if stats.Depth > 0 {
		check.Status = doctorStatusWarn
		check.Summary += " with undelivered messages"
		if stats.OldestAt != nil {
			check.Details = append(check.Details, fmt.Sprintf("oldest: %s", stats.OldestAt.UTC().Format(time.RFC3339)))
		}
	}
	if closeErr := store.Close(); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Details = append(check.Details, fmt.Sprintf("close spool: %v", closeErr))
	}
	return check
}

func runDoctorTrackingCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "tracking"}
	details := []string{
		fmt.Sprintf("merge: %t", cfg.Batching.Merge),
		fmt.Sprintf("log start trace/span: %t", cfg.Tracking.LogStartTraceSpan),
		fmt.Sprintf("flush interval: %s", cfg.Batching.FlushInterval()),
	}
	if cfg.Tracking.Disabled {
		check.Status = doctorStatusWarn
		check.Summary = "tracking is disabled; no traces will be recorded"
		check.Details = append([]string{"tracking.disabled=true"}, details...)
		return check
	}
	check.Status = doctorStatusPass
	check.Summary = "tracking is enabled"
	check.Details = details
	return check
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "llmtrace doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
