package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPolicyFile reads a YAML policy file on top of base. Keys missing from the
// file keep their base value.
//
//	require_fullscreen: true
//	countdown_ticks: 10
//	resync_interval: 15s
//	disqualify_threshold: 2
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read policy file: %w", err)
	}

	pol := base
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return base, fmt.Errorf("parse policy file: %w", err)
	}
	return pol, nil
}
