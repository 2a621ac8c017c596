package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerImage     = "alpine:3.20"
	defaultDockerMemoryMB  = 256
	defaultDockerCPUCores  = 0.5
	defaultDockerPIDsLimit = 64
	defaultDockerUser      = "65534:65534"
	defaultCommandTimeout  = 30 * time.Second
)

// errNotRunning is returned when a freshly created container is not running.
var errNotRunning = errors.New("container is not running")

// DockerConfig configures the Docker-based provisioner.
type DockerConfig struct {
	Binary         string // Runtime CLI, "docker" by default.
	Image          string // Container image.
	Limits         ResourceLimits
	User           string        // --user, non-root by default.
	WritableRoot   bool          // false = --read-only with tmpfs for /tmp and home.
	CommandTimeout time.Duration // Upper bound for each runtime CLI call.
}

// DockerProvisioner creates one long-lived container per session.
//
// Every container gets:
//   - --network=none (no network stack at all)
//   - hard memory limit with swap disabled, CPU rate limit, PIDs limit
//   - --rm so the runtime removes it when its main process exits
//   - all capabilities dropped, no-new-privileges, non-root user
//
// The main process idles so the container stays addressable for exec until
// Release removes it.
type DockerProvisioner struct {
	config DockerConfig
	runner Runner
	logger *slog.Logger
}

// NewDockerProvisioner creates a provisioner. A nil runner means ExecRunner.
func NewDockerProvisioner(cfg DockerConfig, runner Runner, logger *slog.Logger) *DockerProvisioner {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.Limits.MemoryMB <= 0 {
		cfg.Limits.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.Limits.CPUCores <= 0 {
		cfg.Limits.CPUCores = defaultDockerCPUCores
	}
	if cfg.Limits.PIDsLimit <= 0 {
		cfg.Limits.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.User == "" {
		cfg.User = defaultDockerUser
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &DockerProvisioner{config: cfg, runner: runner, logger: logger}
}

// Binary returns the runtime CLI used for create, exec, and remove.
func (p *DockerProvisioner) Binary() string { return p.config.Binary }

// Provision starts a detached container named name and verifies it is running.
func (p *DockerProvisioner) Provision(parent context.Context, name string) (*Handle, error) {
	ctx, cancel := context.WithTimeout(parent, p.config.CommandTimeout)
	defer cancel()

	args := p.buildRunArgs(name)

	p.logger.Info("provisioning sandbox",
		slog.String("sandbox", name),
		slog.String("image", p.config.Image),
		slog.Int("memory_mb", p.config.Limits.MemoryMB),
		slog.Float64("cpu_cores", p.config.Limits.CPUCores),
		slog.Int("pids_limit", p.config.Limits.PIDsLimit),
	)

	start := time.Now()
	out, err := p.runner.Run(ctx, p.config.Binary, args...)
	if err != nil {
		// A killed CLI reports a signal; the caller's cancellation is the cause.
		if perr := parent.Err(); perr != nil {
			err = perr
		}
		return nil, &ProvisionError{Name: name, Output: strings.TrimSpace(string(out)), Err: err}
	}

	// Pull progress on stderr precedes the id when the image is fetched.
	containerID := lastLine(out)
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}

	running, err := p.isRunning(ctx, name)
	if err != nil || !running {
		if err == nil {
			err = errNotRunning
		}
		if perr := parent.Err(); perr != nil {
			err = perr
		}
		// The container may exist in a stopped state; remove it before reporting.
		_ = p.Release(context.Background(), name)
		return nil, &ProvisionError{Name: name, Err: err}
	}

	p.logger.Debug("sandbox running",
		slog.String("sandbox", name),
		slog.String("container_id", containerID),
		slog.Duration("duration", time.Since(start)),
	)

	return &Handle{
		Name:        name,
		ContainerID: containerID,
		Image:       p.config.Image,
		CreatedAt:   start,
	}, nil
}

// Release force-removes the container. "No such container" and a removal
// already in progress are expected races with --rm and count as success.
func (p *DockerProvisioner) Release(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.CommandTimeout)
	defer cancel()

	out, err := p.runner.Run(ctx, p.config.Binary, "rm", "-f", name)
	if err != nil {
		if isGone(out) {
			return nil
		}
		return fmt.Errorf("removing sandbox %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// List returns the names of all containers, running or not, whose name
// starts with prefix.
func (p *DockerProvisioner) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.CommandTimeout)
	defer cancel()

	out, err := p.runner.Run(ctx, p.config.Binary, "ps", "-a",
		"--filter", "name="+prefix,
		"--format", "{{.Names}}",
	)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w: %s", err, strings.TrimSpace(string(out)))
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		// The runtime's name filter matches substrings.
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Ping checks that the runtime daemon answers.
func (p *DockerProvisioner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.CommandTimeout)
	defer cancel()

	out, err := p.runner.Run(ctx, p.config.Binary, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("container runtime unavailable: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// buildRunArgs constructs the full docker run argument list with all
// hardening and resource flags.
func (p *DockerProvisioner) buildRunArgs(name string) []string {
	limits := p.config.Limits
	memoryFlag := strconv.Itoa(limits.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(limits.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(limits.PIDsLimit)

	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"--label", "sandterm.session=" + name,

		"--network=none",

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=" + p.config.User,

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"--env", "TERM=xterm-256color",
		"--workdir", "/home/sandbox",
	}

	if !p.config.WritableRoot {
		args = append(args,
			"--read-only",
			"--tmpfs", "/tmp:rw,nosuid,size=64m",
			"--tmpfs", "/home/sandbox:rw,nosuid,size=64m,uid=65534,gid=65534",
		)
	}

	args = append(args, p.config.Image, "sleep", "infinity")
	return args
}

func (p *DockerProvisioner) isRunning(ctx context.Context, name string) (bool, error) {
	out, err := p.runner.Run(ctx, p.config.Binary, "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		return false, fmt.Errorf("inspecting sandbox %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

func isGone(out []byte) bool {
	return bytes.Contains(out, []byte("No such container")) ||
		bytes.Contains(out, []byte("not found")) ||
		bytes.Contains(out, []byte("is already in progress"))
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
