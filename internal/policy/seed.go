package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edgemesh/coordinator/internal/model"
)

// SeedRule maps a task type to a default policy override for newly
// registering nodes that declare that type among their capabilities but
// submit no explicit policy of their own.
type SeedRule struct {
	TaskType         string   `yaml:"task_type"`
	MaxConcurrent    *int     `yaml:"max_concurrent"`
	CPUCeiling       *float64 `yaml:"cpu_ceiling"`
	RAMCeiling       *float64 `yaml:"ram_ceiling"`
	GPUCapPercent    *float64 `yaml:"gpu_cap_percent"`
}

type SeedConfig struct {
	Rules []SeedRule `yaml:"rules"`
}

// LoadSeedFromEnv reads EDGE_MESH_DEFAULT_POLICY_FILE if set; absent or
// empty, it returns a zero-value SeedConfig (no overrides).
func LoadSeedFromEnv(path string) (SeedConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return SeedConfig{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return SeedConfig{}, fmt.Errorf("read default policy file: %w", err)
	}
	var cfg SeedConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return SeedConfig{}, fmt.Errorf("parse default policy file: %w", err)
	}
	return cfg, nil
}

// Apply overlays matching rules (by the first of the node's accepted task
// types with a rule) onto a base policy, returning the adjusted policy.
func (c SeedConfig) Apply(base model.Policy, taskTypes []string) model.Policy {
	for _, tt := range taskTypes {
		for _, rule := range c.Rules {
			if rule.TaskType != tt {
				continue
			}
			if rule.MaxConcurrent != nil {
				base.MaxConcurrent = *rule.MaxConcurrent
			}
			if rule.CPUCeiling != nil {
				base.CPUCeiling = *rule.CPUCeiling
			}
			if rule.RAMCeiling != nil {
				base.RAMCeiling = *rule.RAMCeiling
			}
			if rule.GPUCapPercent != nil {
				base.GPUCapPercent = rule.GPUCapPercent
			}
			return base
		}
	}
	return base
}
