package executor_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Sekimori/internal/sekimori/executor"
	"github.com/bdobrica/Sekimori/internal/sekimori/services"
)

// fakeHandler echoes the tool name so dispatch can be observed.
type fakeHandler struct {
	err error
}

func (f *fakeHandler) Execute(_ context.Context, tool string, args map[string]any) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"tool": tool, "args": args}, nil
}

func (f *fakeHandler) HealthCheck(context.Context) bool { return true }
func (f *fakeHandler) Close() error                     { return nil }

func TestExecute_DispatchesToService(t *testing.T) {
	e := executor.New(map[string]services.Handler{"homeassistant": &fakeHandler{}})

	result, err := e.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["tool"] != "ha_get_state" {
		t.Errorf("wrong handler invoked: %v", result)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	e := executor.New(map[string]services.Handler{"homeassistant": &fakeHandler{}})

	_, err := e.Execute(context.Background(), "nonexistent_tool", nil)
	if err == nil || !strings.Contains(err.Error(), "Unknown tool") {
		t.Errorf("expected unknown-tool error, got %v", err)
	}
}

func TestExecute_ServiceNotConfigured(t *testing.T) {
	e := executor.New(map[string]services.Handler{})

	_, err := e.Execute(context.Background(), "ha_get_states", nil)
	if err == nil || !strings.Contains(err.Error(), "Service not configured") {
		t.Errorf("expected not-configured error, got %v", err)
	}
}

func TestExecute_DownstreamErrorPassesThrough(t *testing.T) {
	downstream := errors.New("entity not found: light.nope")
	e := executor.New(map[string]services.Handler{"homeassistant": &fakeHandler{err: downstream}})

	_, err := e.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "light.nope"})
	if !errors.Is(err, downstream) {
		t.Errorf("downstream error must pass through unchanged, got %v", err)
	}
}
