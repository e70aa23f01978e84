// Package services defines the downstream service handler contract and its
// implementations.
package services

import "context"

// Handler is the interface a downstream service integration implements.
type Handler interface {
	// Execute runs a tool call and returns its result.
	Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error)

	// HealthCheck reports whether the service is reachable.
	HealthCheck(ctx context.Context) bool

	// Close releases held resources.
	Close() error
}
