// Command updateall is the CLI surface for the update orchestrator
// (spec.md 6.5): run, check, and history subcommands with exit codes
// 0 (all succeeded), 1 (any failed), 2 (cancelled), 3 (invalid
// configuration). The flag-per-subcommand dispatch on os.Args[1] follows
// cmd/noisefs/main.go's own subcommand-before-flags check.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/adamryczkowski/updateall/internal/config"
	"github.com/adamryczkowski/updateall/internal/history"
	"github.com/adamryczkowski/updateall/internal/logging"
	"github.com/adamryczkowski/updateall/internal/orchestrator"
	"github.com/adamryczkowski/updateall/internal/plugin"
	"github.com/adamryczkowski/updateall/internal/ui"

	_ "github.com/adamryczkowski/updateall/pkg/plugins/sample"
)

const (
	exitOK             = 0
	exitAnyFailed      = 1
	exitCancelled      = 2
	exitInvalidConfig  = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitInvalidConfig
	}

	switch args[0] {
	case "run":
		return runRun(args[1:])
	case "check":
		return runCheck(args[1:])
	case "history":
		return runHistory(args[1:])
	default:
		printUsage()
		return exitInvalidConfig
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: updateall <run|check|history> [flags]")
}

func loadConfigOrExit(configPath string) (*config.EngineConfig, int, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, exitInvalidConfig, false
	}
	return cfg, exitOK, true
}

func openStore(ctx context.Context, cfg *config.EngineConfig, log *logging.Logger) (*history.Store, error) {
	store, err := history.Open(ctx, &history.Config{
		ConnectionString: cfg.History.ConnectionString,
		MaxConnections:   cfg.History.MaxConnections,
		ConnectTimeout:   cfg.History.ConnectTimeout(),
	}, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func cancelOnSignal() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func loadPlugins(cfg *config.EngineConfig) []plugin.Capability {
	var caps []plugin.Capability
	for _, name := range plugin.RegisteredNames() {
		pluginCfg := plugin.Config{Name: name, Enabled: cfg.IsEnabled(name)}
		if opts, ok := cfg.Plugins.Options[name]; ok {
			pluginCfg.Raw = opts
		}
		c, err := plugin.Create(pluginCfg)
		if err != nil {
			continue
		}
		caps = append(caps, c)
	}
	return caps
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	dryRun := fs.Bool("dry-run", false, "skip EXECUTE phases")
	_ = fs.Parse(args)

	log := logging.Default()
	cfg, code, ok := loadConfigOrExit(*configPath)
	if !ok {
		return code
	}

	ctx, cancel := cancelOnSignal()
	defer cancel()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history store error: %v\n", err)
		return exitInvalidConfig
	}
	defer store.Close()

	hub := ui.NewHub(log)
	orch := orchestrator.New(cfg, store, log, *dryRun)

	result, err := orch.Run(ctx, loadPlugins(cfg), hub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run error: %v\n", err)
		return exitInvalidConfig
	}

	fmt.Printf("succeeded: %d, failed: %d, skipped: %d\n",
		len(result.Succeeded), len(result.Failed), len(result.Skipped))

	switch {
	case result.Cancelled:
		return exitCancelled
	case len(result.Failed) > 0:
		return exitAnyFailed
	default:
		return exitOK
	}
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	_ = fs.Parse(args)

	cfg, code, ok := loadConfigOrExit(*configPath)
	if !ok {
		return code
	}

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tAPPLICABLE\tINSTALLED\tAVAILABLE\tNEEDS_UPDATE")

	for _, c := range loadPlugins(cfg) {
		identity := c.Identity()
		applicable := c.IsApplicable(ctx)
		if !applicable {
			fmt.Fprintf(w, "%s\tno\t-\t-\t-\n", identity.Name)
			continue
		}
		installed := c.InstalledVersion(ctx)
		available := c.AvailableVersion(ctx)
		need := c.NeedsUpdate(ctx)
		fmt.Fprintf(w, "%s\tyes\t%s\t%s\t%s\n",
			identity.Name, versionString(installed), versionString(available), needString(need))
	}
	w.Flush()
	return exitOK
}

func versionString(v plugin.VersionProbe) string {
	if !v.Known {
		return "unknown"
	}
	return v.Version
}

func needString(n plugin.UpdateNeed) string {
	switch n {
	case plugin.NeedYes:
		return "yes"
	case plugin.NeedNo:
		return "no"
	default:
		return "unknown"
	}
}

func runHistory(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: updateall history <search|summary|accuracy|performance> [flags]")
		return exitInvalidConfig
	}

	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	query := fs.String("q", "", "free-text search query")
	limit := fs.Int("limit", 20, "maximum rows to print")
	_ = fs.Parse(args[1:])

	cfg, code, ok := loadConfigOrExit(*configPath)
	if !ok {
		return code
	}

	ctx := context.Background()
	log := logging.Default()
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history store error: %v\n", err)
		return exitInvalidConfig
	}
	defer store.Close()

	switch args[0] {
	case "summary":
		return printSummary(ctx, store, *limit)
	case "accuracy":
		return printAccuracy(ctx, store)
	case "performance":
		return printPerformance(ctx, store)
	case "search":
		return printSearch(ctx, store, cfg, *query, *limit)
	default:
		fmt.Fprintln(os.Stderr, "usage: updateall history <search|summary|accuracy|performance> [flags]")
		return exitInvalidConfig
	}
}

func printSummary(ctx context.Context, store *history.Store, limit int) int {
	rows, err := store.Summary(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "summary error: %v\n", err)
		return exitAnyFailed
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN_ID\tSTARTED_AT\tSUCCEEDED\tFAILED\tSKIPPED")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", r.RunID, r.StartedAt.Format("2006-01-02T15:04:05"),
			r.SucceededCount, r.FailedCount, r.SkippedCount)
	}
	w.Flush()
	return exitOK
}

func printAccuracy(ctx context.Context, store *history.Store) int {
	rows, err := store.Accuracy(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "accuracy error: %v\n", err)
		return exitAnyFailed
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tPHASE\tMODEL\tSAMPLES\tMAPE%")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f\n", r.PluginName, r.Phase, r.Model, r.SampleCount, r.MAPEPercent)
	}
	w.Flush()
	return exitOK
}

func printPerformance(ctx context.Context, store *history.Store) int {
	rows, err := store.Performance(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "performance error: %v\n", err)
		return exitAnyFailed
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tRUNS\tSUCCEEDED\tSUCCESS%\tMEAN_S\tMEDIAN_S\tP95_S")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%.2f\t%.2f\t%.2f\n",
			r.PluginName, r.TotalRuns, r.SucceededRuns, r.SuccessRatePct, r.MeanSeconds, r.MedianSeconds, r.P95Seconds)
	}
	w.Flush()
	return exitOK
}

func printSearch(ctx context.Context, store *history.Store, cfg *config.EngineConfig, query string, limit int) int {
	if query == "" {
		fmt.Fprintln(os.Stderr, "history search requires -q")
		return exitInvalidConfig
	}
	if cfg.History.SearchIndexPath == "" {
		fmt.Fprintln(os.Stderr, "history.search_index_path is not configured")
		return exitInvalidConfig
	}
	idx, err := history.OpenSearchIndex(cfg.History.SearchIndexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "search index error: %v\n", err)
		return exitAnyFailed
	}
	defer idx.Close()

	if err := idx.Rebuild(ctx, store, 1000); err != nil {
		fmt.Fprintf(os.Stderr, "search index rebuild error: %v\n", err)
		return exitAnyFailed
	}

	results, err := idx.Search(query, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "search error: %v\n", err)
		return exitAnyFailed
	}
	for _, r := range results {
		fmt.Printf("%s\t%.3f\n", r.ExecutionID, r.Score)
	}
	return exitOK
}
