package config

import (
	"fmt"
	"os"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override file settings.
// Nesting uses a double underscore: AIDP_RULE_OF_TWO__ENABLED=false.
const EnvPrefix = "AIDP_"

// Load reads the YAML file at path, overlays AIDP_ environment variables,
// and applies defaults for anything unset. A missing file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	return unmarshal(k)
}

// FromMap normalizes an in-memory nested mapping. Keys may be plain strings
// or symbol-style (":enabled"); nested maps may use string or any keys.
func FromMap(m map[string]any) (Config, error) {
	data, err := yaml.Marshal(normalizeKeys(m))
	if err != nil {
		return Config{}, fmt.Errorf("config: encode map: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("config: parse map: %w", err)
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(k), ":"))
}

func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[normalizeKey(k)] = normalizeKeys(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[normalizeKey(fmt.Sprint(k))] = normalizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeKeys(val)
		}
		return out
	default:
		return v
	}
}
