// Package config loads the gatewayprobe CLI configuration from flags and an
// optional JSON or YAML file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// lookupSetting returns the value of the first candidate key present in
// settings. viper lowercases keys, so lowercase forms are tried too.
func lookupSetting(settings map[string]any, candidates ...string) (any, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

// section returns a nested settings map with lowercase keys, or nil when
// absent.
func section(settings map[string]any, candidates ...string) (map[string]any, error) {
	raw, ok := lookupSetting(settings, candidates...)
	if !ok || raw == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, fmt.Errorf("expected map, got %T", raw)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out, nil
}

// blank reports whether value is nil or a whitespace-only string; such
// values decode to the zero value.
func blank(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func trimmed(value any) any {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}

func asString(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	if s, err := cast.ToStringE(value); err == nil {
		return s, nil
	}
	return fmt.Sprint(value), nil
}

func asInt(value any) (int, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToIntE(trimmed(value))
}

func asUint64(value any) (uint64, error) {
	if blank(value) {
		return 0, nil
	}
	if s, ok := value.(string); ok {
		return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	}
	return cast.ToUint64E(value)
}

func asFloat64(value any) (float64, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToFloat64E(trimmed(value))
}

func asBool(value any) (bool, error) {
	if blank(value) {
		return false, nil
	}
	return cast.ToBoolE(trimmed(value))
}

// asDuration accepts Go duration strings; bare numbers are seconds.
func asDuration(value any) (time.Duration, error) {
	if blank(value) {
		return 0, nil
	}
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(strings.TrimSpace(v))
	}
	secs, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, fmt.Errorf("unsupported duration type %T", value)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func asStringMap(value any) (map[string]string, error) {
	if value == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapStringE(value)
	if err != nil {
		return nil, fmt.Errorf("unsupported map type %T", value)
	}
	for k := range m {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("header key cannot be empty")
		}
	}
	return m, nil
}

// asStringSlice keeps a lone string as one element; threshold expressions
// contain spaces.
func asStringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	}
	out, err := cast.ToStringSliceE(value)
	if err != nil {
		return nil, fmt.Errorf("unsupported string slice type %T", value)
	}
	return out, nil
}
