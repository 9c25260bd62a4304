// Command resourced hosts a VersionedStore/IndexWriter backend for
// external consumption; wiring an HTTP or RPC front end onto it is out of
// scope here, mirroring how the teacher's bd daemon separates storage
// bring-up from transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beads-health/resourcestore/internal/rconfig"
	"github.com/beads-health/resourcestore/internal/store"

	_ "github.com/beads-health/resourcestore/internal/store/doltstore"
	_ "github.com/beads-health/resourcestore/internal/store/sqlitestore"
)

var (
	configPath string
	backend    string
	dsn        string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "resourced",
	Short: "resourced - versioned resource storage engine",
	RunE:  runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.Flags().StringVar(&backend, "backend", "", "storage backend (sqlite, dolt); overrides config")
	rootCmd.Flags().StringVar(&dsn, "dsn", "", "backend data source name; overrides config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := rconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("resourced: load config: %w", err)
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if dsn != "" {
		cfg.DSN = dsn
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "resourced")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	be, err := store.New(ctx, cfg.Backend, store.Options{DSN: cfg.DSN})
	if err != nil {
		return fmt.Errorf("resourced: open backend %q: %w", cfg.Backend, err)
	}
	defer be.Close()

	log.Info("resourced storage engine ready", "backend", cfg.Backend)

	<-ctx.Done()
	log.Info("resourced shutting down")
	return nil
}
