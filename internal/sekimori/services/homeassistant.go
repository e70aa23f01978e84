package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/config"
)

// healthCheckTimeout bounds the startup reachability probe.
const healthCheckTimeout = 5 * time.Second

// executeTimeout is a conservative bound on a single downstream call.
const executeTimeout = 30 * time.Second

// maxResponseBytes caps the amount of body data read from Home Assistant
// responses to prevent memory exhaustion from a misbehaving controller.
const maxResponseBytes = 4 << 20 // 4 MiB

// HomeAssistant is the REST service handler for a Home Assistant
// controller, using bearer authentication.
type HomeAssistant struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHomeAssistant creates a handler for the configured controller.
func NewHomeAssistant(cfg config.Service) *HomeAssistant {
	return &HomeAssistant{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: executeTimeout},
	}
}

// Execute runs a Home Assistant tool call and returns the result.
func (h *HomeAssistant) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case "ha_get_state":
		return h.getState(ctx, args)
	case "ha_get_states":
		return h.getStates(ctx)
	case "ha_call_service":
		return h.callService(ctx, args)
	case "ha_fire_event":
		return h.fireEvent(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", tool)
	}
}

func (h *HomeAssistant) getState(ctx context.Context, args map[string]any) (map[string]any, error) {
	entityID, _ := args["entity_id"].(string)
	body, err := h.get(ctx, "/api/states/"+entityID, entityID)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode state response: %w", err)
	}
	return state, nil
}

func (h *HomeAssistant) getStates(ctx context.Context) (map[string]any, error) {
	body, err := h.get(ctx, "/api/states", "")
	if err != nil {
		return nil, err
	}
	var states []any
	if err := json.Unmarshal(body, &states); err != nil {
		return nil, fmt.Errorf("decode states response: %w", err)
	}
	return map[string]any{"states": states}, nil
}

func (h *HomeAssistant) callService(ctx context.Context, args map[string]any) (map[string]any, error) {
	domain, _ := args["domain"].(string)
	service, _ := args["service"].(string)

	// Everything except domain/service goes into the request body.
	payload := make(map[string]any, len(args))
	for k, v := range args {
		if k != "domain" && k != "service" {
			payload[k] = v
		}
	}

	body, err := h.post(ctx, "/api/services/"+domain+"/"+service, payload)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode service response: %w", err)
	}
	return map[string]any{"result": result}, nil
}

func (h *HomeAssistant) fireEvent(ctx context.Context, args map[string]any) (map[string]any, error) {
	eventType, _ := args["event_type"].(string)

	payload := make(map[string]any, len(args))
	for k, v := range args {
		if k != "event_type" {
			payload[k] = v
		}
	}

	body, err := h.post(ctx, "/api/events/"+eventType, payload)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode event response: %w", err)
	}
	return result, nil
}

// HealthCheck probes GET /api/ with a short timeout.
func (h *HomeAssistant) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (h *HomeAssistant) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

func (h *HomeAssistant) get(ctx context.Context, path, entityID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return h.do(req, entityID)
}

func (h *HomeAssistant) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, "")
}

func (h *HomeAssistant) do(req *http.Request, entityID string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("service unreachable: homeassistant (%v)", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("service authentication failed (token expired?)")
	case resp.StatusCode == http.StatusNotFound:
		if entityID != "" {
			return nil, fmt.Errorf("entity not found: %s", entityID)
		}
		return nil, fmt.Errorf("entity not found")
	default:
		return nil, fmt.Errorf("home assistant api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
