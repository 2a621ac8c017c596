// Package gateway defines the interface for the broker's network entry points.
package gateway

import "context"

// Gateway is a listener that accepts client traffic (HTTP API, terminal websocket).
type Gateway interface {
	// Start launches the gateway and blocks until it exits or the context is
	// canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
