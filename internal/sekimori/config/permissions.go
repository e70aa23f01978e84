package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Sekimori/internal/sekimori/engine"
)

//go:embed permissions.schema.json
var permissionsSchema string

// compiledSchema is built once at package init; the schema is embedded and
// a compile failure is a programming error.
var compiledSchema = jsonschema.MustCompileString("permissions.schema.json", permissionsSchema)

// rawRule mirrors one permissions.yaml entry.
type rawRule struct {
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// rawPermissions mirrors the permissions.yaml layout.
type rawPermissions struct {
	Defaults []rawRule `yaml:"defaults"`
	Rules    []rawRule `yaml:"rules"`
}

// LoadPermissions reads, substitutes, schema-validates, and decodes the
// permissions file into an engine ruleset.
func LoadPermissions(path string) (engine.Permissions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.Permissions{}, fmt.Errorf("permissions file not found: %s", path)
		}
		return engine.Permissions{}, fmt.Errorf("read permissions: %w", err)
	}

	// Structural validation first, against the generic document, so a shape
	// error reports the offending location instead of a decode failure.
	var doc any
	if err := parseYAML(data, &doc); err != nil {
		return engine.Permissions{}, fmt.Errorf("parse permissions: %w", err)
	}
	if err := compiledSchema.Validate(normalizeForSchema(doc)); err != nil {
		return engine.Permissions{}, fmt.Errorf("permissions schema: %w", err)
	}

	var raw rawPermissions
	if err := parseYAML(data, &raw); err != nil {
		return engine.Permissions{}, fmt.Errorf("parse permissions: %w", err)
	}

	perms := engine.Permissions{}
	perms.Defaults, err = convertRules(raw.Defaults, "defaults")
	if err != nil {
		return engine.Permissions{}, err
	}
	perms.Rules, err = convertRules(raw.Rules, "rules")
	if err != nil {
		return engine.Permissions{}, err
	}
	return perms, nil
}

func convertRules(raw []rawRule, section string) ([]engine.Rule, error) {
	rules := make([]engine.Rule, 0, len(raw))
	for i, r := range raw {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("%s[%d]: pattern must not be empty", section, i)
		}
		if err := engine.CheckPattern(r.Pattern); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		action, err := engine.ParseDecision(r.Action)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		rules = append(rules, engine.Rule{
			Pattern:     r.Pattern,
			Action:      action,
			Description: r.Description,
		})
	}
	return rules, nil
}

// normalizeForSchema converts YAML-decoded values into the JSON-shaped
// values the schema validator expects (map[string]any keys, no custom
// number types survive yaml.v3, so only key types need attention).
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}
