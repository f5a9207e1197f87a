// Command maestro is the thin cobra entrypoint over the engine (app
// mode) and the job runner (job mode), grounded on cuemby-warren's
// cmd/warren/main.go root-command/subcommand/init() shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/spf13/cobra"

	"github.com/jodafons/maestro/internal/config"
	"github.com/jodafons/maestro/internal/contentio"
	"github.com/jodafons/maestro/internal/engine"
	"github.com/jodafons/maestro/internal/jobrunner"
	"github.com/jodafons/maestro/internal/store"
	"github.com/jodafons/maestro/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "maestro - batch workflow orchestrator",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a JSON config file")
	rootCmd.PersistentFlags().String("volume", "", "Content volume root path")
	rootCmd.PersistentFlags().String("db-driver", "", "Store driver (sqlite3)")
	rootCmd.PersistentFlags().String("db-string", "", "Store connection string")
	rootCmd.PersistentFlags().Int("port", 0, "External API port (unused by this module, carried for parity)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("account", "", "Backend account identifier")
	rootCmd.PersistentFlags().String("reservation", "", "Backend reservation identifier")
	rootCmd.PersistentFlags().String("backend-kind", "", "Backend implementation to use: slurm (default) or fake")
	rootCmd.PersistentFlags().Bool("testing", false, "Gate the TESTING transitions (run job index 0 alone first)")
	rootCmd.PersistentFlags().Bool("dynamic-memory", false, "Gate the linear-extrapolation reservation growth path")

	rootCmd.AddCommand(appCmd)
	rootCmd.AddCommand(jobCmd)
}

// loadConfig loads the optional JSON config file then applies any
// flag explicitly set on the command line on top of it, so a bare
// flag always wins over the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg, err := config.Init(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if flags.Changed("volume") {
		cfg.Volume, _ = flags.GetString("volume")
	}
	if flags.Changed("db-driver") {
		cfg.DBDriver, _ = flags.GetString("db-driver")
	}
	if flags.Changed("db-string") {
		cfg.DBString, _ = flags.GetString("db-string")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("account") {
		cfg.Account, _ = flags.GetString("account")
	}
	if flags.Changed("reservation") {
		cfg.Reservation, _ = flags.GetString("reservation")
	}
	if flags.Changed("backend-kind") {
		cfg.BackendKind, _ = flags.GetString("backend-kind")
	}
	if flags.Changed("testing") {
		cfg.TestingMode, _ = flags.GetBool("testing")
	}
	if flags.Changed("dynamic-memory") {
		cfg.DynamicMemory, _ = flags.GetBool("dynamic-memory")
	}

	config.Keys = cfg
	return &cfg, nil
}

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Run the engine: admission loop, per-task schedulers, and startup reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(cfg.LogLevel, os.Stderr)

		if err := agent.Listen(agent.Options{}); err != nil {
			log.Errorf("app: gops agent: %v", err)
		}
		defer agent.Close()

		eng, err := engine.New(cfg)
		if err != nil {
			return fmt.Errorf("app: build engine: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("app: start engine: %w", err)
		}
		log.Printf("app: engine started, volume=%s db=%s", cfg.Volume, cfg.DBString)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Printf("app: shutting down")
		return eng.Shutdown()
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run a single job's lifecycle (bind, stage, exec, supervise, publish, finish)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(cfg.LogLevel, os.Stderr)

		db, err := store.Connect(cfg.DBString)
		if err != nil {
			return fmt.Errorf("job: connect store: %w", err)
		}
		st := store.New(db)
		vol := contentio.New(cfg.Volume)

		runner := jobrunner.New(st, vol, cfg)
		jobID := args[0]

		log.Printf("job: running job %s", jobID)
		if err := runner.Run(context.Background(), jobID); err != nil {
			return fmt.Errorf("job: run %s: %w", jobID, err)
		}
		log.Printf("job: %s finished", jobID)
		return nil
	},
}
