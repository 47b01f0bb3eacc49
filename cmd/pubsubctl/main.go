// Command pubsubctl administers and tails the PostgreSQL-backed pubsub document store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AntonStoeckl/pubsub-docstore-go/internal/config"
	"github.com/AntonStoeckl/pubsub-docstore-go/internal/observability"
)

// app holds the state shared by all commands of one invocation.
type app struct {
	configPath  string
	postgresURL string
	logLevel    string

	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	openStore func(ctx context.Context, a *app) (docStore, error)
	store     docStore
}

func newApp() *app {
	return &app{openStore: openPostgresStore}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pubsubctl",
		Short:         "Administer and tail the pubsub document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.teardown()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("PUBSUB_CONFIG"), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.postgresURL, "postgres-url", "", "PostgreSQL connection string, overrides postgres.url")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides logging.level")

	rootCmd.AddGroup(
		&cobra.Group{ID: "schema", Title: "Schema Commands:"},
		&cobra.Group{ID: "records", Title: "Record Commands:"},
	)

	rootCmd.AddCommand(newMigrateCmd(a))
	rootCmd.AddCommand(newProvisionCmd(a))
	rootCmd.AddCommand(newDropCmd(a))
	rootCmd.AddCommand(newPartitionsCmd(a))
	rootCmd.AddCommand(newPublishCmd(a))
	rootCmd.AddCommand(newListCmd(a))
	rootCmd.AddCommand(newCountCmd(a))
	rootCmd.AddCommand(newPurgeCmd(a))
	rootCmd.AddCommand(newTailCmd(a))

	return rootCmd
}

// setup loads the configuration and opens the store.
func (a *app) setup(cmd *cobra.Command) error {
	loader := config.NewLoader()
	if a.postgresURL != "" {
		loader.Set("postgres.url", a.postgresURL)
	}
	if a.logLevel != "" {
		loader.Set("logging.level", a.logLevel)
	}

	cfg, err := loader.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.Logging.Output == "stdout" {
		a.logger = observability.NewLogger(cfg.Logging)
	} else {
		a.logger = observability.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := a.openStore(cmd.Context(), a)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	a.store = store

	return nil
}

func (a *app) teardown() error {
	if a.store == nil {
		return nil
	}

	err := a.store.Close()
	a.store = nil

	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd(newApp()).ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
