package main

import (
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sandterm/internal/config"
	"github.com/jkaninda/sandterm/internal/sandbox"
)

// loadConfig reads the config file named by SANDTERM_CONFIG, falling back
// to path.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("SANDTERM_CONFIG", path))
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
}

func newDockerProvisioner(cfg *config.Config, logger *slog.Logger) *sandbox.DockerProvisioner {
	sb := cfg.Sandbox
	return sandbox.NewDockerProvisioner(sandbox.DockerConfig{
		Binary: sb.RuntimeBinary(),
		Image:  sb.ImageName(),
		Limits: sandbox.ResourceLimits{
			MemoryMB:  sb.MemoryMB,
			CPUCores:  sb.CPUCores,
			PIDsLimit: sb.PIDsLimit,
		},
		User:           sb.User,
		WritableRoot:   sb.WritableRoot,
		CommandTimeout: sb.CommandTimeout(),
	}, nil, logger)
}
