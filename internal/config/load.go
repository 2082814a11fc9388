// Package config loads and validates controller configuration documents.
// A configuration may be split across several files whose root keys must
// not collide; the merged document must satisfy schema version 4.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/InstanceGaming/atsc/internal/model"
)

// Load reads one or more configuration fragments, merges them, and returns
// the validated document.
func Load(paths ...string) (*model.Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no configuration paths given")
	}

	merged := map[string]any{}
	version := -1

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var fragment map[string]any
		if err := yaml.Unmarshal(content, &fragment); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		v, ok := fragment["version"]
		if !ok {
			return nil, fmt.Errorf("%s: missing version", path)
		}
		fv, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("%s: version is not an integer", path)
		}
		if version >= 0 && fv != version {
			return nil, fmt.Errorf("%s: version %d mixes with %d from an earlier fragment", path, fv, version)
		}
		version = fv
		delete(fragment, "version")

		for key, value := range fragment {
			if _, exists := merged[key]; exists {
				return nil, fmt.Errorf("%s: duplicate root node %q", path, key)
			}
			merged[key] = value
		}
	}

	if version != model.SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d (want %d)", version, model.SchemaVersion)
	}
	merged["version"] = version

	return Parse(merged)
}

// Parse strict-decodes a merged document and applies defaults and semantic
// validation. Unknown keys are rejected.
func Parse(doc map[string]any) (*model.Config, error) {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("remarshal merged document: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg model.Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *model.Config) {
	if cfg.Device.LogLevel == "" {
		cfg.Device.LogLevel = "info"
	}
	if cfg.Bus.ResponseAttempts <= 0 {
		cfg.Bus.ResponseAttempts = 3
	}
	if cfg.Init.Mode == "" {
		cfg.Init.Mode = "normal"
	}
}
