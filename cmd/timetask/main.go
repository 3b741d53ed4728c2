// Package main is the timetask CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"timetask/internal/app"
	"timetask/internal/command"
	"timetask/internal/config"
	"timetask/internal/storage"
	"timetask/internal/task/lifecycle"
	"timetask/internal/task/registry"
	"timetask/internal/task/scheduler"
	"timetask/internal/transport/router"
	"timetask/pkg/logx"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "./config.yaml"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "timetask",
		Short:         "Scheduled and recurring chat messages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config (.yaml, .yml or .json)")
	root.AddCommand(runCmd(), parseCmd(), tasksCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "timetask %s (commit: %s)\n", version, commit)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = a.Stop(stopCtx, app.StopFatalError)
				stopCancel()
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return stopErr
		},
	}
}

func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <command...>",
		Short: "Parse a create command without scheduling it",
		Example: `  timetask parse 每天 08:00 早安
  timetask parse --tz UTC "cron[0 12 * * *] 午饭时间到"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tz, _ := cmd.Flags().GetString("tz")
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			in, err := command.Parse(strings.Join(args, " "), time.Now().In(loc))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "kind:        %s\n", in.Trigger.Kind())
			fmt.Fprintf(w, "value:       %s\n", in.Trigger.Value())
			fmt.Fprintf(w, "description: %s\n", in.Trigger.Description())
			fmt.Fprintf(w, "gpt:         %t\n", in.UseAugmentation)
			if in.DestinationLabel != "" {
				fmt.Fprintf(w, "group:       %s\n", in.DestinationLabel)
			}
			fmt.Fprintf(w, "content:     %s\n", in.Content)
			return nil
		},
	}
	cmd.Flags().String("tz", scheduler.DefaultTimezone, "timezone relative dates resolve in")
	return cmd
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List persisted tasks without starting the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewManager(cfgPath).Load()
			if err != nil {
				return err
			}
			tz := strings.TrimSpace(cfg.Scheduler.Timezone)
			if tz == "" {
				tz = scheduler.DefaultTimezone
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			st, err := storage.Open(storage.Config{
				Driver:   cfg.Storage.Driver,
				Path:     cfg.Storage.Path,
				Location: loc,
			}, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			snap, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			var views []lifecycle.View
			for _, b := range snap.Buckets {
				for _, rec := range b.Records {
					views = append(views, lifecycle.View{Entry: registry.Entry{Destination: b.Destination, Record: rec}})
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), router.FormatList(views))
			return nil
		},
	}
}
