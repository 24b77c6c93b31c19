package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/llmtrace/internal/backend"
	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/sender"
	"github.com/ongoingai/llmtrace/internal/spool"
)

const (
	defaultSpoolFormat        = "text"
	defaultSpoolReplayTimeout = time.Minute
)

type spoolReplayResult struct {
	Replayed     int64  `json:"replayed"`
	Dropped      int64  `json:"dropped"`
	Remaining    int64  `json:"remaining"`
	ErrorClass   string `json:"error_class,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

func runSpool(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printSpoolUsage(errOut)
		return 2
	}

	switch args[0] {
	case "stats":
		return runSpoolStats(args[1:], out, errOut)
	case "replay":
		return runSpoolReplay(args[1:], out, errOut)
	case "purge":
		return runSpoolPurge(args[1:], out, errOut)
	default:
		printSpoolUsage(errOut)
		return 2
	}
}

func runSpoolStats(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("spool stats", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultSpoolFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "spool stats does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("spool stats", *format, defaultSpoolFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	store, code := openConfiguredSpool(*configPath, errOut)
	if store == nil {
		return code
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "failed to read spool stats: %v\n", err)
		return 1
	}

	if normalizedFormat == "json" {
		err = writeJSON(out, stats)
	} else {
		err = writeSpoolStatsText(out, stats)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write spool stats: %v\n", err)
		return 1
	}
	return 0
}

// runSpoolReplay delivers spooled messages to the configured backend,
// oldest first, and stops at the first delivery failure.
func runSpoolReplay(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("spool replay", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultSpoolFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultSpoolReplayTimeout, "Maximum replay duration")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "spool replay does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("spool replay", *format, defaultSpoolFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(errOut, "invalid spool replay timeout %s: must be > 0\n", *timeout)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config %s failed: %v\n", stage, err)
		return 1
	}
	store, err := spool.Open(cfg.Spool)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open spool: %v\n", err)
		return 1
	}
	if store == nil {
		fmt.Fprintln(errOut, "spool is disabled (spool.driver=none)")
		return 1
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b, err := backend.FromConfig(cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize backend: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	result, replayErr := replaySpool(ctx, cfg, b, store, logger)
	if normalizedFormat == "json" {
		err = writeJSON(out, result)
	} else {
		err = writeSpoolReplayText(out, result)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write spool replay result: %v\n", err)
		return 1
	}
	if replayErr != nil {
		return 1
	}
	return 0
}

func replaySpool(ctx context.Context, cfg config.Config, b backend.Backend, store spool.Store, logger *slog.Logger) (spoolReplayResult, error) {
	s := sender.New(b, sender.Options{
		MaxBatchSize:    cfg.Batching.MaxBatchSize,
		Spool:           store,
		ReplayBatchSize: cfg.Spool.ReplayBatchSize,
		Logger:          logger,
	})
	replayErr := s.Flush(ctx)

	diagnostics := s.Diagnostics()
	result := spoolReplayResult{
		Replayed: diagnostics.ReplayedTotal,
		Dropped:  diagnostics.DeliveryDroppedTotal,
	}
	if replayErr != nil {
		result.ErrorClass = sender.ClassifyError(replayErr)
		result.ErrorMessage = replayErr.Error()
	}
	if stats, err := store.Stats(ctx); err == nil {
		result.Remaining = stats.Depth
	}
	return result, replayErr
}

func runSpoolPurge(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("spool purge", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	confirm := flagSet.Bool("yes", false, "Confirm deletion of every spooled message")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "spool purge does not accept positional arguments")
		return 2
	}
	if !*confirm {
		fmt.Fprintln(errOut, "spool purge deletes undelivered messages; pass --yes to confirm")
		return 2
	}

	store, code := openConfiguredSpool(*configPath, errOut)
	if store == nil {
		return code
	}
	defer store.Close()

	purged, err := store.Purge(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "failed to purge spool: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "purged %d spooled messages\n", purged)
	return 0
}

// openConfiguredSpool returns a nil store and the exit code to use when
// the spool cannot be opened or is disabled.
func openConfiguredSpool(configPath string, errOut io.Writer) (spool.Store, int) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config %s failed: %v\n", stage, err)
		return nil, 1
	}
	store, err := spool.Open(cfg.Spool)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open spool: %v\n", err)
		return nil, 1
	}
	if store == nil {
		fmt.Fprintln(errOut, "spool is disabled (spool.driver=none)")
		return nil, 1
	}
	return store, 0
}

func writeSpoolStatsText(out io.Writer, stats spool.Stats) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Driver\t%s\n", stats.Driver)
	fmt.Fprintf(tw, "Pending\t%d\n", stats.Depth)
	if stats.OldestAt != nil {
		fmt.Fprintf(tw, "Oldest\t%s\n", stats.OldestAt.UTC().Format(time.RFC3339))
	}
	kinds := make([]string, 0, len(stats.ByKind))
	for kind := range stats.ByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(tw, "  %s\t%d\n", kind, stats.ByKind[kind])
	}
	return tw.Flush()
}

func writeSpoolReplayText(out io.Writer, result spoolReplayResult) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Replayed\t%d\n", result.Replayed)
	fmt.Fprintf(tw, "Dropped\t%d\n", result.Dropped)
	fmt.Fprintf(tw, "Remaining\t%d\n", result.Remaining)
	if result.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error\t%s: %s\n", result.ErrorClass, strings.TrimSpace(result.ErrorMessage))
	}
	return tw.Flush()
}

func printSpoolUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmtrace spool stats [--config path/to/llmtrace.yaml] [--format text|json]")
	fmt.Fprintln(out, "  llmtrace spool replay [--config path/to/llmtrace.yaml] [--format text|json] [--timeout DURATION]")
	fmt.Fprintln(out, "  llmtrace spool purge --yes [--config path/to/llmtrace.yaml]")
}
