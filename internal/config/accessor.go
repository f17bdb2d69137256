package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Paths use the JSON field names joined by dots. List elements are addressed
// by index, e.g. "sources.bridges.0.baseUrl" or "watch.roots.1".

// secretPaths are masked by Sanitize. "*" matches every list element.
var secretPaths = []string{
	"sources.telegram.token",
	"sources.bridges.*.token",
	"notify.webhook.secret",
	"notify.telegram.token",
	"notify.slack.botToken",
	"notify.discord.token",
}

// toTree converts the config into its generic JSON form.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// fromTree decodes tree into cfg, rejecting keys the config does not have.
func fromTree(tree map[string]any, cfg *Config) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var next Config
	if err := dec.Decode(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// child steps one path segment into a map or list node.
func child(node any, key string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		val, ok := v[key]
		if !ok {
			return nil, fmt.Errorf("unknown key %q", key)
		}
		return val, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, fmt.Errorf("invalid list index %q (len %d)", key, len(v))
		}
		return v[idx], nil
	}
	return nil, fmt.Errorf("cannot traverse into %T at %q", node, key)
}

// GetByPath retrieves a config value by dot-notation path (e.g. "sync.selfLabel").
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		if node, err = child(node, key); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return node, nil
}

// SetByPath sets an existing config value from its string form. The current
// value's type decides the conversion: "true"/"false" for flags, numbers for
// numeric fields, comma-separated items for lists, raw text for strings.
func SetByPath(cfg *Config, path string, raw string) error {
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}
	keys := strings.Split(path, ".")
	var parent any = tree
	for _, key := range keys[:len(keys)-1] {
		if parent, err = child(parent, key); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	last := keys[len(keys)-1]
	if m, ok := parent.(map[string]any); ok && m[last] == nil {
		// Empty omitempty fields are absent from the tree. Try the typed
		// guess first, then the raw text; fromTree rejects unknown keys.
		var lastErr error
		for _, candidate := range []any{guessValue(raw), raw} {
			m[last] = candidate
			if lastErr = fromTree(tree, cfg); lastErr == nil {
				return nil
			}
		}
		return fmt.Errorf("%s: %w", path, lastErr)
	}

	current, err := child(parent, last)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	value, err := convertLike(current, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	switch p := parent.(type) {
	case map[string]any:
		p[last] = value
	case []any:
		idx, _ := strconv.Atoi(last)
		p[idx] = value
	}
	if err := fromTree(tree, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func convertLike(current any, raw string) (any, error) {
	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return f, nil
	case []any:
		if raw == "" {
			return []any{}, nil
		}
		var items []any
		for _, item := range strings.Split(raw, ",") {
			items = append(items, strings.TrimSpace(item))
		}
		return items, nil
	case map[string]any:
		return nil, fmt.Errorf("cannot set a whole section, set one of its keys")
	}
	return raw, nil
}

func guessValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// Sanitize returns a copy of the config with tokens and secrets masked.
func Sanitize(cfg *Config) *Config {
	tree, err := toTree(cfg)
	if err != nil {
		return cfg
	}
	for _, path := range secretPaths {
		maskPath(tree, strings.Split(path, "."))
	}
	var masked Config
	if err := fromTree(tree, &masked); err != nil {
		return cfg
	}
	return &masked
}

func maskPath(node any, keys []string) {
	if len(keys) == 0 {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		if len(keys) == 1 {
			if s, ok := v[keys[0]].(string); ok {
				v[keys[0]] = maskString(s)
			}
			return
		}
		maskPath(v[keys[0]], keys[1:])
	case []any:
		if keys[0] != "*" {
			return
		}
		for _, elem := range v {
			maskPath(elem, keys[1:])
		}
	}
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", tree, result)
	return result
}

func flatten(prefix string, node any, result map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			flatten(join(k), val, result)
		}
	case []any:
		// Scalar lists stay whole; lists of sections are expanded.
		if len(v) > 0 {
			if _, ok := v[0].(map[string]any); ok {
				for i, val := range v {
					flatten(join(strconv.Itoa(i)), val, result)
				}
				return
			}
		}
		result[prefix] = v
	default:
		result[prefix] = v
	}
}
