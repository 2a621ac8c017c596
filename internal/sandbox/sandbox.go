// Package sandbox provisions the isolated, resource-capped container that
// backs a single terminal session. Containers are addressed by name so they
// can be removed even when the in-memory handle is lost.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Provisioner creates and destroys per-session sandboxes.
type Provisioner interface {
	// Provision creates a running sandbox addressable by name.
	Provision(ctx context.Context, name string) (*Handle, error)

	// Release removes the sandbox by name. It is idempotent: a sandbox that
	// is already gone is not an error.
	Release(ctx context.Context, name string) error
}

// Handle identifies a provisioned sandbox.
type Handle struct {
	Name        string
	ContainerID string
	Image       string
	CreatedAt   time.Time
}

// ResourceLimits constrains a sandbox.
type ResourceLimits struct {
	MemoryMB  int     // --memory hard limit, swap disabled.
	CPUCores  float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit int     // --pids-limit (prevents fork bombs).
}

// ProvisionError reports that the runtime failed to create a sandbox.
type ProvisionError struct {
	Name   string
	Output string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("provisioning sandbox %s: %v: %s", e.Name, e.Err, e.Output)
	}
	return fmt.Sprintf("provisioning sandbox %s: %v", e.Name, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
