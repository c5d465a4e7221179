package policy

import (
	"reflect"
	"testing"

	"github.com/edgemesh/coordinator/internal/model"
)

func TestSeedConfigApplyMatchingRule(t *testing.T) {
	maxConcurrent := 4
	cfg := SeedConfig{
		Rules: []SeedRule{
			{TaskType: "EMBEDDINGS", MaxConcurrent: &maxConcurrent},
		},
	}
	base := model.DefaultPolicy([]string{"EMBEDDINGS"})

	out := cfg.Apply(base, []string{"EMBEDDINGS"})
	if out.MaxConcurrent != maxConcurrent {
		t.Fatalf("expected max_concurrent overridden to %d, got %d", maxConcurrent, out.MaxConcurrent)
	}
}

func TestSeedConfigApplyNoMatch(t *testing.T) {
	cfg := SeedConfig{Rules: []SeedRule{{TaskType: "INFERENCE"}}}
	base := model.DefaultPolicy([]string{"EMBEDDINGS"})

	out := cfg.Apply(base, []string{"EMBEDDINGS"})
	if !reflect.DeepEqual(out, base) {
		t.Fatalf("expected unmodified policy when no rule matches, got %+v", out)
	}
}

func TestLoadSeedFromEnvEmptyPath(t *testing.T) {
	cfg, err := LoadSeedFromEnv("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Rules) != 0 {
		t.Fatalf("expected zero-value config, got %+v", cfg)
	}
}
