package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"statejob/internal/app"
	logx "statejob/pkg/logx"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type RecordsFlags struct {
	Limit int
	JSON  bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	recordsFlags := &RecordsFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createRecordsCommand(globalFlags, recordsFlags),
		createConfigCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "statejob",
		Short: "Periodic parameter updater and worker with transactional persistence",
		Long: `statejob refreshes job parameters from a source on one schedule and runs a
worker on another. Each worker firing persists an execution record inside its
own transaction.

Examples:
  statejob --config ./config.json          # same as "statejob run"
  statejob records list --limit 20
  statejob config check --config ./config.yaml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), flags.ConfigPath)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to JSON or YAML config file (optional; defaults apply)")
	return root
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), flags.ConfigPath)
		},
	}
}

func runApp(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("fatal start: %w", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		if ctx.Err() != nil {
			reason = app.StopAppStop
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func createRecordsCommand(globalFlags *GlobalFlags, flags *RecordsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect persisted execution records",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List execution records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			recs, err := app.ListRecords(cmd.Context(), cfg, logx.NewConsole(cfg.Logging.Level), flags.Limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			for _, r := range recs {
				_, _ = fmt.Fprintf(out, "%d\t%s\t%s\n", r.ID, r.Timestamp.Format(time.RFC3339Nano), r.ParamsUsed)
			}
			return nil
		},
	}
	list.Flags().IntVar(&flags.Limit, "limit", 100, "maximum number of records")
	list.Flags().BoolVar(&flags.JSON, "json", false, "print records as JSON")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of execution records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			n, err := app.CountRecords(cmd.Context(), cfg, logx.NewConsole(cfg.Logging.Level))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	cmd.AddCommand(list, count)
	return cmd
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.LoadConfig(globalFlags.ConfigPath); err != nil {
				return err
			}
			src := globalFlags.ConfigPath
			if src == "" {
				src = "(defaults)"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s\n", src)
			return nil
		},
	}
	cmd.AddCommand(check)
	return cmd
}
