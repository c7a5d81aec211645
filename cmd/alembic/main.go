// Package main implements the alembic binary: the telemetry ingest, stats
// and recompute server, plus one-shot maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alembic/alembic/internal/app"
	"github.com/alembic/alembic/internal/config"
	"github.com/alembic/alembic/internal/logging"
	"github.com/alembic/alembic/internal/publish"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	dbPath     string
	host       string
	port       int
	interval   time.Duration
	logLevel   string
	logJSON    bool
)

func main() {
	app.Version = version

	rootCmd := &cobra.Command{
		Use:   "alembic",
		Short: "Encoding job telemetry server",
		Long: `Alembic collects anonymous encoding-job telemetry, keeps it in an
append-only SQLite store, periodically rebuilds efficiency and stability
summaries, and serves them as a single insights document.

Running without a subcommand is the same as "alembic serve".`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file (YAML or JSON)")
	flags.StringVar(&dbPath, "db", "", "SQLite database path")
	flags.StringVar(&host, "host", "", "HTTP bind host")
	flags.IntVar(&port, "port", 0, "HTTP port")
	flags.DurationVar(&interval, "interval", 0, "Recompute interval")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the recompute scheduler",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "recompute",
			Short: "Rebuild the summary tables once and exit",
			RunE:  runRecompute,
		},
		&cobra.Command{
			Use:   "snapshot",
			Short: "Print the last published insights snapshot",
			RunE:  runSnapshot,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "alembic version %s (commit: %s)\n", version, commit)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	logging.Component("main").Info("alembic started",
		"version", version,
		"addr", application.Addr(),
		"database", cfg.Database.Path,
		"interval", cfg.Aggregation.Interval,
	)

	return application.WaitForShutdown(ctx)
}

func runRecompute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := application.RecomputeOnce(ctx)
	if err != nil {
		return fmt.Errorf("recompute failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "efficiency_stats: %d rows\nstability_stats: %d rows\nduration: %v\n",
		res.EfficiencyRows, res.StabilityRows, res.Duration)
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	ins, err := application.LatestSnapshot(cmd.Context())
	if errors.Is(err, publish.ErrNoSnapshot) {
		fmt.Fprintln(cmd.OutOrStdout(), "no snapshot published yet")
		return nil
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(ins)
}

// loadConfig layers defaults, the config file, the environment and finally
// flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database.Path = dbPath
	}
	if flags.Changed("host") {
		cfg.HTTP.Host = host
	}
	if flags.Changed("port") {
		cfg.HTTP.Port = port
	}
	if flags.Changed("interval") {
		cfg.Aggregation.Interval = interval
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = logJSON
	}

	return cfg, nil
}
