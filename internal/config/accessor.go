package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// secretPaths are masked by Sanitize.
var secretPaths = []string{
	"backend.token",
	"server.authToken",
	"notify.telegram.token",
	"notify.slack.webhookURL",
	"notify.discord.webhookToken",
}

// tree returns cfg as the generic map its JSON form decodes to. Paths used by
// the accessors are the JSON field names joined with dots.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromTree(m map[string]any, cfg *Config) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetByPath returns the value at a dot path such as "relay.dedupCapacity".
// Numbers come back as float64, as encoding/json decodes them.
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(m, path)
	if !ok {
		return nil, fmt.Errorf("key not found: %s", path)
	}
	return v, nil
}

// SetByPath sets the value at a dot path. A string value is coerced to the
// type of the field it replaces; "true", "8080" and "1.5" are guessed when
// the field is currently unset.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		switch child := parent[key].(type) {
		case map[string]any:
			parent = child
		case nil:
			// Sections whose fields are all omitted.
			next := map[string]any{}
			parent[key] = next
			parent = next
		default:
			return fmt.Errorf("%s: %s is not a section", path, key)
		}
	}

	last := parts[len(parts)-1]
	coerced, err := coerce(parent[last], value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[last] = coerced

	updated := *cfg
	if err := fromTree(m, &updated); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	// Unknown keys are dropped by the decoder; catch them here.
	check, err := tree(&updated)
	if err != nil {
		return err
	}
	if _, ok := lookup(check, path); !ok && !isZero(coerced) {
		return fmt.Errorf("unknown config path: %s", path)
	}
	*cfg = updated
	return nil
}

func coerce(current, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch current.(type) {
	case string, []any:
		// Lists accept a comma-separated string.
		return s, nil
	case bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("want true or false, got %q", s)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("want a number, got %q", s)
		}
		return f, nil
	}
	return guess(s), nil
}

func guess(s string) any {
	if s == "true" || s == "false" {
		return s == "true"
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case int64:
		return x == 0
	case float64:
		return x == 0
	}
	return false
}

// Sanitize returns a copy of cfg with secrets masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	for _, p := range secretPaths {
		if v, err := GetByPath(&out, p); err == nil {
			if s, ok := v.(string); ok && s != "" {
				SetByPath(&out, p, maskString(s))
			}
		}
	}
	return &out
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens cfg into a map from dot path to value.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(p, child, out)
			continue
		}
		out[p] = v
	}
}
