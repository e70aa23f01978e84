// Package executor routes approved tool requests to service handlers.
//
// The routing table is static, composed at startup from explicit entries.
// The dispatcher is pure routing: the downstream error taxonomy passes
// through unchanged.
package executor

import (
	"context"
	"fmt"

	"github.com/bdobrica/Sekimori/internal/sekimori/services"
)

// toolServiceMap is the explicit tool-to-service routing table.
var toolServiceMap = map[string]string{
	"ha_get_state":    "homeassistant",
	"ha_get_states":   "homeassistant",
	"ha_call_service": "homeassistant",
	"ha_fire_event":   "homeassistant",
}

// Executor dispatches tool requests to the configured service handlers.
type Executor struct {
	services map[string]services.Handler
}

// New creates an Executor over the given handlers, keyed by service name.
func New(handlers map[string]services.Handler) *Executor {
	return &Executor{services: handlers}
}

// Execute dispatches a tool request to its service handler.
func (e *Executor) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	serviceName, ok := toolServiceMap[tool]
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", tool)
	}
	handler, ok := e.services[serviceName]
	if !ok {
		return nil, fmt.Errorf("Service not configured: %s", serviceName)
	}
	return handler.Execute(ctx, tool, args)
}
