package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"autopilot/internal/app"
	"autopilot/internal/task/schedule"
	logx "autopilot/pkg/logx"
)

func rootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:           "autopilot",
		Short:         "Scheduled and on-demand workflow runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnv(envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")

	cmd.AddCommand(runCmd(), nextCmd(), versionCmd())
	return cmd
}

// loadEnv never overrides variables already set in the environment.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runCmd() *cobra.Command {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, workers and HTTP servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, stopTimeout)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "config file (yaml or json)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func run(parent context.Context, cfgPath string, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(parent); err != nil {
		return err
	}
	notifySystemd(daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	notifySystemd(daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// notifySystemd is a no-op outside a systemd unit with NOTIFY_SOCKET.
func notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logx.NewConsole("warn").Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	}
}

func nextCmd() *cobra.Command {
	var (
		tz    string
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "next <cron expression>",
		Short: "Print the upcoming occurrences of a 5-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				start = t
			}
			return printUpcoming(cmd, args[0], tz, start, count)
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "UTC", "IANA timezone the expression is evaluated in")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 start instant (default now)")
	return cmd
}

func printUpcoming(cmd *cobra.Command, expr, tz string, from time.Time, n int) error {
	times, err := schedule.NewCalculator().Upcoming(expr, tz, from, n)
	if err != nil {
		var inv *schedule.InvalidScheduleError
		if errors.As(err, &inv) {
			return fmt.Errorf("%w\n%s", err, inv.Remediation())
		}
		return err
	}
	out := cmd.OutOrStdout()
	for _, t := range times {
		fmt.Fprintf(out, "%s  %s\n", t.Format(time.RFC3339), t.UTC().Format(time.RFC3339))
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autopilot %s (build: %s)\n", Version, BuildTime)
		},
	}
}
