// Command reindexworker runs ReindexWorker: it leases jobs from a shared
// JobStore and drives each one to completion, mirroring how
// cmd/agent-controller wires internal/controller.Controller into a
// standalone process with signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beads-health/resourcestore/internal/rconfig"
	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/reindex/support"
	"github.com/beads-health/resourcestore/internal/reindex/task"
	"github.com/beads-health/resourcestore/internal/reindex/worker"
	"github.com/beads-health/resourcestore/internal/store"

	_ "github.com/beads-health/resourcestore/internal/store/doltstore"
	_ "github.com/beads-health/resourcestore/internal/store/sqlitestore"
)

var (
	configPath    string
	backendName   string
	dsn           string
	manifestPath  string
	resourceTypes string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reindexworker",
	Short: "reindexworker - durable reindex job runner",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "lease and drive reindex jobs until terminated",
	RunE:  runServe,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "manage reindex jobs",
}

var reindexCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "create a queued reindex job",
	RunE:  runReindexCreate,
}

var reindexGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "print a reindex job's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runReindexGet,
}

var reindexCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "cancel a non-terminal reindex job",
	Args:  cobra.ExactArgs(1),
	RunE:  runReindexCancel,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "storage backend (sqlite, dolt); overrides config")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "backend data source name; overrides config")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "support-manifest", "", "path to the extraction-rule YAML manifest")

	serveCmd.Flags().StringVar(&resourceTypes, "types", "", "comma-separated resource types eligible for reindex jobs")

	rootCmd.AddCommand(serveCmd, reindexCmd)
	reindexCmd.AddCommand(reindexCreateCmd, reindexGetCmd, reindexCancelCmd)
}

func openBackend(ctx context.Context) (store.Backend, rconfig.Config, error) {
	cfg, err := rconfig.Load(configPath)
	if err != nil {
		return nil, cfg, fmt.Errorf("reindexworker: load config: %w", err)
	}
	if backendName != "" {
		cfg.Backend = backendName
	}
	if dsn != "" {
		cfg.DSN = dsn
	}
	be, err := store.New(ctx, cfg.Backend, store.Options{DSN: cfg.DSN})
	if err != nil {
		return nil, cfg, fmt.Errorf("reindexworker: open backend %q: %w", cfg.Backend, err)
	}
	return be, cfg, nil
}

func loadResolver() (support.Resolver, error) {
	if manifestPath == "" {
		return support.Load([]byte("rules: []\n"))
	}
	return support.LoadFile(manifestPath)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	be, cfg, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	resolver, err := loadResolver()
	if err != nil {
		return fmt.Errorf("reindexworker: load support manifest: %w", err)
	}

	var types []string
	for _, t := range strings.Split(resourceTypes, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			types = append(types, t)
		}
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "reindexworker")

	newTask := func(job *store.ReindexJob) *task.Task {
		return task.New(job.ID, be, resolver, task.NewFeedbackThrottle(cfg.ReindexDefaultBatchSize, 10), jsonFieldExtractor, types, log)
	}

	w := worker.New(be, newTask, worker.Config{
		MaxConcurrent:      cfg.MaxConcurrentJobs,
		HeartbeatThreshold: cfg.JobHeartbeatThreshold,
		PollInterval:       cfg.JobPollInterval,
	}, log)

	log.Info("reindexworker serving", "backend", cfg.Backend, "types", types)
	return w.Start(ctx)
}

func runReindexCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	be, _, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	job, err := be.CreateJob(ctx, &store.ReindexJob{})
	if err != nil {
		return err
	}
	fmt.Println(job.ID)
	return nil
}

func runReindexGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	be, _, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	job, err := be.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	enc, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

func runReindexCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	be, _, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	w := worker.New(be, func(*store.ReindexJob) *task.Task { return nil }, worker.Config{}, nil)
	return w.CancelReindex(ctx, args[0])
}

// jsonFieldExtractor is a minimal stand-in for the clinical payload parser,
// which is an external collaborator: it treats each target's Name as a
// top-level JSON field and emits a token row when the field holds a string.
// Real extraction rules operate on the clinical-data model and belong to
// that out-of-scope layer.
func jsonFieldExtractor(rec *record.Record, targets []support.ParamInfo) []record.IndexRow {
	var doc map[string]any
	if err := json.Unmarshal(rec.RawBytes, &doc); err != nil {
		return nil
	}
	var rows []record.IndexRow
	for _, p := range targets {
		v, ok := doc[p.Name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		rows = append(rows, record.IndexRow{ParamName: p.Name, Family: record.FamilyToken, TokenCode: s})
	}
	return rows
}
