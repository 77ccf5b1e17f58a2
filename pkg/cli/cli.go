// Package cli provides the standard quarry command tree. Services embed it
// through NewServiceCommand and register their own job handlers.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/observability/logger"
	"github.com/quarrylabs/quarry/pkg/observability/metrics"
	"github.com/quarrylabs/quarry/pkg/queue"
	queuefactory "github.com/quarrylabs/quarry/pkg/queue/factory"
	"github.com/quarrylabs/quarry/pkg/version"
	"github.com/spf13/cobra"
)

// ServiceCommandOptions defines callbacks for service-specific logic.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: custom config validation (runs after built-in validation)
	ValidateConfig func(cfg *config.Config) error

	// Optional: registers handlers for the "worker" command.
	ConfigureWorker func(cfg *config.Config, log logger.Logger, worker *queue.Worker) error

	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

// NewServiceCommand creates a standardized CLI with worker, stats, dlq,
// sweep, healthcheck, and version subcommands.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "QUARRY"
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "quarry"
	}

	rootCmd := &cobra.Command{
		Use:   opts.Name,
		Short: opts.Description,
	}

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")

	loadConfig := func() (*config.Config, logger.Logger, error) {
		cfg, err := config.NewViperLoader(cfgPath, opts.EnvPrefix).Load()
		if err != nil {
			return nil, nil, err
		}
		if opts.ValidateConfig != nil {
			if err := opts.ValidateConfig(cfg); err != nil {
				return nil, nil, fmt.Errorf("config validation failed: %w", err)
			}
		}
		log, err := logger.NewZapLogger(logger.Config{
			Level:  logger.LogLevel(cfg.Observability.LogLevel),
			Format: logger.LogFormat(cfg.Observability.LogFormat),
		})
		if err != nil {
			return nil, nil, err
		}
		return cfg, log.With("service", cfg.Service.Name), nil
	}

	rootCmd.AddCommand(newVersionCommand(opts.Name))
	rootCmd.AddCommand(newWorkerCommand(opts, loadConfig))
	rootCmd.AddCommand(newStatsCommand(loadConfig))
	rootCmd.AddCommand(newDLQCommand(loadConfig))
	rootCmd.AddCommand(newSweepCommand(loadConfig))
	rootCmd.AddCommand(newHealthcheckCommand(loadConfig))
	rootCmd.AddCommand(opts.CustomCommands...)

	return rootCmd
}

type configLoader func() (*config.Config, logger.Logger, error)

func newVersionCommand(serviceName string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Current(serviceName).String())
		},
	}
}

func newWorkerCommand(opts ServiceCommandOptions, loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := queuefactory.NewQueue(cfg.Queue, log)
			if err != nil {
				return err
			}
			defer q.Close()

			worker, err := queue.NewWorker(q, log, queue.WorkerConfig{
				Concurrency:    cfg.Worker.Concurrency,
				PollInterval:   cfg.Worker.PollInterval,
				MaxIdleBackoff: cfg.Worker.MaxIdleBackoff,
				AttemptTimeout: cfg.Worker.AttemptTimeout,
				StopTimeout:    cfg.Worker.StopTimeout,
			})
			if err != nil {
				return err
			}
			if opts.ConfigureWorker != nil {
				if err := opts.ConfigureWorker(cfg, log, worker); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if port := cfg.Observability.MetricsPort; port > 0 {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.DefaultHandler())
				metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = metricsServer.Shutdown(shutdownCtx)
				}()
			}

			if cfg.Janitor.Enabled {
				janitor, err := queue.NewJanitor(q, log, queue.JanitorConfig{
					Interval:       cfg.Janitor.Interval,
					RequeueStalled: cfg.Janitor.RequeueStalled,
				})
				if err != nil {
					return err
				}
				go func() { _ = janitor.Start(ctx) }()
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = janitor.Stop(stopCtx)
				}()
			}

			log.Info("worker starting", "engine", cfg.Queue.Engine, "concurrency", cfg.Worker.Concurrency)
			return worker.Start(ctx)
		},
	}
}

func newStatsCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := queuefactory.NewQueue(cfg.Queue, log)
			if err != nil {
				return err
			}
			defer q.Close()

			snapshot, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, snapshot)
		},
	}
}

func newDLQCommand(loadConfig configLoader) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter register",
	}

	dlqCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries as JSON, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := queuefactory.NewQueue(cfg.Queue, log)
			if err != nil {
				return err
			}
			defer q.Close()

			entries, err := q.DeadLetterList(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	})

	dlqCmd.AddCommand(&cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Requeue a dead-lettered job with its retry budget reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := queuefactory.NewQueue(cfg.Queue, log)
			if err != nil {
				return err
			}
			defer q.Close()

			job, err := q.RequeueDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	})

	return dlqCmd
}

func newSweepCommand(loadConfig configLoader) *cobra.Command {
	var requeueStalled bool
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired records and optionally requeue stalled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := queuefactory.NewQueue(cfg.Queue, log)
			if err != nil {
				return err
			}
			defer q.Close()

			expired, err := q.ClearExpired(cmd.Context(), time.Time{})
			if err != nil {
				return err
			}
			stalled := 0
			if requeueStalled {
				stalled, err = q.RequeueStalled(cmd.Context(), time.Time{})
				if err != nil {
					return err
				}
			}
			return printJSON(cmd, map[string]int{"expired": expired, "stalled": stalled})
		},
	}
	sweepCmd.Flags().BoolVar(&requeueStalled, "requeue-stalled", false, "requeue jobs whose processing lease elapsed")
	return sweepCmd
}

func newHealthcheckCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Verify the queue engine is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := queuefactory.NewQueue(cfg.Queue, log)
			if err != nil {
				return err
			}
			defer q.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := q.HealthCheck(ctx); err != nil {
				return fmt.Errorf("queue engine unhealthy: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}
