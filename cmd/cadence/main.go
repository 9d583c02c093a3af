package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/runner"
	"cadence/internal/schedule"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "cadence",
		Short:         "Recurring job scheduler for multi-tenant deployments",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return setupLogging(cfg.Log)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (yaml or toml)")

	root.AddCommand(
		c.runCmd(),
		c.execCmd(),
		c.scheduleCmd(),
		c.statusCmd(),
		c.daemonCmd(),
	)
	return root
}

func setupLogging(lc config.LogConfig) error {
	zerolog.TimeFieldFormat = time.RFC3339
	if lc.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level := zerolog.InfoLevel
	if lc.Level != "" {
		l, err := zerolog.ParseLevel(lc.Level)
		if err != nil {
			return errors.Wrapf(err, "log level %q", lc.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// withApp builds the application for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.Build(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close")
		}
	}()
	return fn(a)
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [tenant]",
		Short: "Run one scheduling pass for a tenant, or for all tenants",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := ""
			if len(args) == 1 {
				tenant = args[0]
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				sum, err := a.Runner.RunSchedule(cmd.Context(), tenant)
				var pe *runner.PassError
				if err != nil && !errors.As(err, &pe) {
					return err
				}
				if perr := printJSON(cmd, sum); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func (c *cli) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <tenant> <execution-id>",
		Short: "Execute one queued execution in the foreground",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return a.Executor.Execute(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func (c *cli) scheduleCmd() *cobra.Command {
	var (
		tenant string
		at     string
		every  int
		queue  string
	)
	cmd := &cobra.Command{
		Use:   "schedule <command> [key=value...]",
		Short: "Register a recurring schedule for a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := parseKeyValues(args[1:])
			if err != nil {
				return err
			}
			opts := schedule.ScheduleOptions{FrequencyMinutes: every, Queue: queue}
			if at != "" {
				tod, err := domain.ParseTimeOfDay(at)
				if err != nil {
					return err
				}
				opts.Start = &tod
			}
			if tenant == "" {
				tenant = c.cfg.Tenants[0].Name
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				engine, err := a.Tenants.Get(tenant)
				if err != nil {
					return err
				}
				sc, err := engine.ScheduleTask(cmd.Context(), args[0], cmdArgs, opts)
				if err != nil {
					return err
				}
				next, err := engine.NextRunAt(cmd.Context(), sc)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"tenant":      tenant,
					"schedule_id": sc.ID,
					"job_id":      sc.Job.ID,
					"command":     sc.Job.Command,
					"start":       sc.StartTime.String(),
					"every":       sc.FrequencyMinutes,
					"next_run_at": next,
				})
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to schedule for (defaults to the first configured)")
	cmd.Flags().StringVar(&at, "at", "", "daily start time HH:MM (defaults to five minutes from now)")
	cmd.Flags().IntVar(&every, "every", 0, "frequency in minutes (defaults to "+strconv.Itoa(schedule.DefaultFrequency)+")")
	cmd.Flags().StringVar(&queue, "queue", "", "preferred queue")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant> <execution-id>",
		Short: "Show the state of one execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				engine, err := a.Tenants.Get(args[0])
				if err != nil {
					return err
				}
				e, err := engine.RequireExecution(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"id":           e.ID,
					"schedule_id":  e.Schedule.ID,
					"number":       e.Number,
					"state":        e.State.String(),
					"message":      e.Message,
					"scheduled_at": e.ScheduledAt,
					"started_at":   e.StartedAt,
					"finished_at":  e.FinishedAt,
					"command":      e.Command,
					"kind":         e.Kind,
				})
			})
		},
	}
}

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler, the workers and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)
			go func() {
				select {
				case <-sig:
					cancel()
				case <-ctx.Done():
				}
			}()

			return c.withApp(ctx, func(a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

// parseKeyValues turns key=value pairs into command arguments.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, domain.InvalidArgumentf("argument %q: expected key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
