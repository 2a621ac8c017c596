package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandterm/internal/config"
	"github.com/jkaninda/sandterm/internal/reaper"
)

var (
	sweepConfigPath string
	sweepPrefix     string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove every sandbox left behind by a previous broker",
	Long: `Remove every container whose name carries the sandbox prefix.

Sweep does not know about live sessions: run it only while no broker is
serving with the same prefix, e.g. after a crash and before restarting.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&sweepConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	sweepCmd.Flags().StringVar(&sweepPrefix, "prefix", "", "override the sandbox name prefix")
}

func runSweep(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(sweepConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	prefix := cfg.Sandbox.Prefix()
	if sweepPrefix != "" {
		prefix = sweepPrefix
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := reaper.New(reaper.Config{Prefix: prefix}, newDockerProvisioner(cfg, logger), nil, nil, logger)
	removed, err := r.Sweep(ctx)
	fmt.Printf("removed %d sandbox(es) with prefix %q\n", removed, prefix)
	if err != nil {
		logger.Error("sweep incomplete", slog.String("error", err.Error()))
		return err
	}
	return nil
}
