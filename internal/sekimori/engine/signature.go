package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// haIdentifierRE is the strict allowlist grammar for Home Assistant
// identifiers (domain, service, entity_id, event_type).
var haIdentifierRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z0-9_]+)?$`)

// haToolPrefix marks tools whose identifier fields get the extra check.
const haToolPrefix = "ha_"

// haIdentifierFields are the argument names validated against the
// identifier grammar on ha_-prefixed tools.
var haIdentifierFields = map[string]bool{
	"entity_id":  true,
	"domain":     true,
	"service":    true,
	"event_type": true,
}

// signatureBuilders maps a tool name to its ordered argument projection.
// Unknown tools fall back to key-sorted projection.
var signatureBuilders = map[string]func(args map[string]any) []string{
	"ha_call_service": func(args map[string]any) []string {
		return []string{
			stringArg(args, "domain") + "." + stringArg(args, "service"),
			stringArg(args, "entity_id"),
		}
	},
	"ha_get_state": func(args map[string]any) []string {
		return []string{stringArg(args, "entity_id")}
	},
	"ha_get_states": func(args map[string]any) []string {
		return nil
	},
	"ha_fire_event": func(args map[string]any) []string {
		return []string{stringArg(args, "event_type")}
	},
}

// ValidateArgs rejects argument values that could leak glob metacharacters
// or control bytes into a signature.  Only string values are inspected.
func ValidateArgs(tool string, args map[string]any) error {
	for key, value := range args {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if containsForbidden(s) {
			return fmt.Errorf("argument %q contains forbidden characters", key)
		}
		if strings.HasPrefix(tool, haToolPrefix) && haIdentifierFields[key] && !haIdentifierRE.MatchString(s) {
			return fmt.Errorf("invalid identifier format: %s=%s", key, s)
		}
	}
	return nil
}

// containsForbidden reports whether s holds a glob metacharacter, structural
// punctuation, or a C0 control byte.
func containsForbidden(s string) bool {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c < 0x20:
			return true
		case c == '*' || c == '?' || c == '[' || c == ']' || c == '(' || c == ')' || c == ',':
			return true
		}
	}
	return false
}

// BuildSignature validates args and returns the canonical signature string
// used as the sole policy-matching key.
//
// Examples:
//
//	BuildSignature("ha_get_state", {"entity_id": "sensor.temp"})
//	→ "ha_get_state(sensor.temp)"
//
//	BuildSignature("ha_call_service",
//	    {"domain": "light", "service": "turn_on", "entity_id": "light.bedroom"})
//	→ "ha_call_service(light.turn_on, light.bedroom)"
//
//	BuildSignature("ha_get_states", {})
//	→ "ha_get_states"
func BuildSignature(tool string, args map[string]any) (string, error) {
	if err := ValidateArgs(tool, args); err != nil {
		return "", err
	}

	var parts []string
	if builder, ok := signatureBuilders[tool]; ok {
		parts = builder(args)
	} else {
		// Unknown tools project every argument in key-sorted order so the
		// result is deterministic.
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, anyToString(args[k]))
		}
	}

	if len(parts) == 0 {
		return tool, nil
	}
	return tool + "(" + strings.Join(parts, ", ") + ")", nil
}

// stringArg returns the named argument as a string: non-string values are
// formatted with %v, and an absent argument gives "".
func stringArg(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	if v, ok := args[key]; ok {
		return anyToString(v)
	}
	return ""
}

func anyToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
