// Package config loads and validates the gateway configuration and the
// permissions file.
//
// Both files are plain YAML with recursive ${VAR} environment substitution
// applied to every string value before decoding.  Validation returns the
// first error encountered; a config error is always fatal at startup.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Default file locations, overridable on the command line.
const (
	DefaultConfigPath      = "config.yaml"
	DefaultPermissionsPath = "permissions.yaml"
)

// Defaults for optional knobs.
const (
	DefaultApprovalTimeout      = 900
	DefaultMaxPendingApprovals  = 10
	DefaultMaxRequestsPerMinute = 60
)

// TLS holds the PEM file paths for the listener.  Absence requires the
// --insecure flag.
type TLS struct {
	Cert string
	Key  string
}

// Gateway is the listen configuration.
type Gateway struct {
	Host string
	Port int
	TLS  *TLS
}

// Agent holds the shared secret identifying the single agent.
type Agent struct {
	Token string
}

// Telegram is the guardian bot adapter configuration.
type Telegram struct {
	Token        string
	ChatID       int64
	AllowedUsers []int64
	// AuditUnauthorized forwards button presses from users outside the
	// allowlist to the audit log instead of dropping them silently.
	AuditUnauthorized bool
}

// Messenger selects and configures the guardian adapter.
type Messenger struct {
	Type     string
	Telegram *Telegram
}

// Service is a downstream service endpoint with bearer auth.
type Service struct {
	URL   string
	Token string
}

// Storage locates the durable store.
type Storage struct {
	Type string
	Path string
}

// RateLimit bounds per-connection request and approval pressure.
type RateLimit struct {
	MaxPendingApprovals  int
	MaxRequestsPerMinute int
}

// Config is the fully validated gateway configuration.
type Config struct {
	Gateway         Gateway
	Agent           Agent
	Messenger       Messenger
	Services        map[string]Service
	Storage         Storage
	ApprovalTimeout int
	RateLimit       RateLimit
}

// ── Env var substitution ─────────────────────────────────────────────────────

var envVarRE = regexp.MustCompile(`\$\{(\w+)\}`)

// substituteNode walks a decoded YAML node tree and substitutes ${VAR} in
// every string scalar.  An unset variable is a load error.
func substituteNode(node *yaml.Node) error {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode:
		for _, child := range node.Content {
			if err := substituteNode(child); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if !envVarRE.MatchString(node.Value) {
			return nil
		}
		var substErr error
		replaced := envVarRE.ReplaceAllStringFunc(node.Value, func(match string) string {
			name := envVarRE.FindStringSubmatch(match)[1]
			val, ok := os.LookupEnv(name)
			if !ok && substErr == nil {
				substErr = fmt.Errorf("environment variable %s is not set", name)
			}
			return val
		})
		if substErr != nil {
			return substErr
		}
		// Clear the tag so the resolver re-infers the type of the
		// substituted value (e.g. "8443" decodes into an int field).
		node.Value = replaced
		node.Tag = ""
		node.Style = 0
	}
	return nil
}

// parseYAML unmarshals data into out with ${VAR} substitution applied first.
func parseYAML(data []byte, out any) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if err := substituteNode(&root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		return fmt.Errorf("empty document")
	}
	return root.Decode(out)
}

// ── Config loading ───────────────────────────────────────────────────────────

// rawConfig mirrors the YAML layout before validation and defaulting.
type rawConfig struct {
	Gateway struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		TLS  *struct {
			Cert string `yaml:"cert"`
			Key  string `yaml:"key"`
		} `yaml:"tls"`
	} `yaml:"gateway"`
	Agent struct {
		Token string `yaml:"token"`
	} `yaml:"agent"`
	Messenger struct {
		Type     string `yaml:"type"`
		Telegram *struct {
			Token             string  `yaml:"token"`
			ChatID            int64   `yaml:"chat_id"`
			AllowedUsers      []int64 `yaml:"allowed_users"`
			AuditUnauthorized bool    `yaml:"audit_unauthorized"`
		} `yaml:"telegram"`
	} `yaml:"messenger"`
	Services map[string]struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"services"`
	Storage struct {
		Type string `yaml:"type"`
		Path string `yaml:"path"`
	} `yaml:"storage"`
	ApprovalTimeout *int `yaml:"approval_timeout"`
	RateLimit       *struct {
		MaxPendingApprovals  *int `yaml:"max_pending_approvals"`
		MaxRequestsPerMinute *int `yaml:"max_requests_per_minute"`
	} `yaml:"rate_limit"`
}

// Load reads, substitutes, decodes, and validates the gateway config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := parseYAML(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Gateway: Gateway{Host: raw.Gateway.Host, Port: raw.Gateway.Port},
		Agent:   Agent{Token: raw.Agent.Token},
		Storage: Storage{Type: raw.Storage.Type, Path: raw.Storage.Path},
	}

	if cfg.Gateway.Host == "" {
		return nil, fmt.Errorf("missing required config: gateway.host")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return nil, fmt.Errorf("gateway.port must be in (0, 65535], got %d", raw.Gateway.Port)
	}
	if raw.Gateway.TLS != nil {
		if raw.Gateway.TLS.Cert == "" {
			return nil, fmt.Errorf("missing required config: gateway.tls.cert")
		}
		if raw.Gateway.TLS.Key == "" {
			return nil, fmt.Errorf("missing required config: gateway.tls.key")
		}
		cfg.Gateway.TLS = &TLS{Cert: raw.Gateway.TLS.Cert, Key: raw.Gateway.TLS.Key}
	}

	if cfg.Agent.Token == "" {
		return nil, fmt.Errorf("missing required config: agent.token")
	}

	if raw.Messenger.Type != "telegram" {
		return nil, fmt.Errorf("unsupported messenger type: %q (only \"telegram\" is supported)", raw.Messenger.Type)
	}
	if raw.Messenger.Telegram == nil {
		return nil, fmt.Errorf("missing required config: messenger.telegram")
	}
	tg := raw.Messenger.Telegram
	if tg.Token == "" {
		return nil, fmt.Errorf("missing required config: messenger.telegram.token")
	}
	if tg.ChatID == 0 {
		return nil, fmt.Errorf("missing required config: messenger.telegram.chat_id")
	}
	if len(tg.AllowedUsers) == 0 {
		return nil, fmt.Errorf("messenger.telegram.allowed_users must be a non-empty list")
	}
	cfg.Messenger = Messenger{
		Type: raw.Messenger.Type,
		Telegram: &Telegram{
			Token:             tg.Token,
			ChatID:            tg.ChatID,
			AllowedUsers:      tg.AllowedUsers,
			AuditUnauthorized: tg.AuditUnauthorized,
		},
	}

	ha, ok := raw.Services["homeassistant"]
	if !ok {
		return nil, fmt.Errorf("missing required config: services.homeassistant")
	}
	if ha.URL == "" {
		return nil, fmt.Errorf("missing required config: services.homeassistant.url")
	}
	if ha.Token == "" {
		return nil, fmt.Errorf("missing required config: services.homeassistant.token")
	}
	cfg.Services = map[string]Service{}
	for name, svc := range raw.Services {
		cfg.Services[name] = Service{URL: svc.URL, Token: svc.Token}
	}

	if cfg.Storage.Type != "sqlite" {
		return nil, fmt.Errorf("unsupported storage type: %q (only \"sqlite\" is supported)", raw.Storage.Type)
	}
	if cfg.Storage.Path == "" {
		return nil, fmt.Errorf("missing required config: storage.path")
	}

	cfg.ApprovalTimeout = DefaultApprovalTimeout
	if raw.ApprovalTimeout != nil {
		if *raw.ApprovalTimeout <= 0 {
			return nil, fmt.Errorf("approval_timeout must be a positive integer, got %d", *raw.ApprovalTimeout)
		}
		cfg.ApprovalTimeout = *raw.ApprovalTimeout
	}

	cfg.RateLimit = RateLimit{
		MaxPendingApprovals:  DefaultMaxPendingApprovals,
		MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
	}
	if raw.RateLimit != nil {
		if raw.RateLimit.MaxPendingApprovals != nil {
			cfg.RateLimit.MaxPendingApprovals = *raw.RateLimit.MaxPendingApprovals
		}
		if raw.RateLimit.MaxRequestsPerMinute != nil {
			cfg.RateLimit.MaxRequestsPerMinute = *raw.RateLimit.MaxRequestsPerMinute
		}
	}

	return cfg, nil
}

// SecretValues returns every secret in the config, for redaction at log
// call-sites.
func (c *Config) SecretValues() []string {
	secrets := []string{c.Agent.Token}
	if c.Messenger.Telegram != nil {
		secrets = append(secrets, c.Messenger.Telegram.Token)
	}
	for _, svc := range c.Services {
		secrets = append(secrets, svc.Token)
	}
	return secrets
}
