package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"renewd/internal/app"
	"renewd/internal/config"
	"renewd/pkg/systemd"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const stopTimeout = 30 * time.Second

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "renewd",
		Short:         "renewd - subscription renewal reminder daemon",
		Long:          `renewd sends one reminder per subscription billing date, a configurable number of days ahead, and never twice.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")
	root.PersistentFlags().StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before the config (missing is fine)")

	root.AddCommand(
		newServeCmd(o),
		newRunNowCmd(o),
		newPruneCmd(o),
		newSubsCmd(o),
		newRemindersCmd(o),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "renewd %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// openApp loads .env and the config, then builds the app. A missing config
// file is only an error when its path was given explicitly.
func (o *rootOptions) openApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(config.ResolvePath(o.configPath))
	explicit := cmd.Flags().Changed("config") || os.Getenv(config.EnvConfigPath) != ""
	cfgm.AllowMissing(!explicit)
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}
	return app.NewApp(cfgm, opts...)
}

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: daily passes, pruning, admin API and config reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.serve(cmd)
		},
	}
}

func (o *rootOptions) serve(cmd *cobra.Command) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := o.openApp(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	stopApp := func(reason app.StopReason) {
		_, _ = systemd.Stopping()
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if err := a.Start(ctx); err != nil {
		stopApp(app.StopFatalError)
		return err
	}
	if _, err := systemd.Ready(); err != nil {
		a.Logger().Warn("sd_notify ready failed")
	}
	go func() {
		if err := systemd.WatchdogLoop(ctx, func() bool { return a.Err() == nil }); err != nil {
			a.Logger().Warn("systemd watchdog stopped")
		}
	}()

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}
	fatal := a.Err()
	stopApp(reason)
	if fatal != nil && !errors.Is(fatal, context.Canceled) {
		return fatal
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
