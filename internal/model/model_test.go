package model_test

import (
	"testing"
	"time"

	"github.com/edgemesh/coordinator/internal/model"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := model.DefaultPolicy([]string{"EMBEDDINGS"})
	if err := p.Validate(); err != nil {
		t.Fatalf("expected default policy to validate, got %v", err)
	}
	if !p.Enabled || p.MaxConcurrent != 1 {
		t.Fatalf("unexpected default policy: %+v", p)
	}
}

func TestPolicyValidateRejectsOutOfRangeCeilings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Policy)
	}{
		{"negative max_concurrent", func(p *model.Policy) { p.MaxConcurrent = -1 }},
		{"cpu ceiling over 100", func(p *model.Policy) { p.CPUCeiling = 150 }},
		{"cpu ceiling negative", func(p *model.Policy) { p.CPUCeiling = -1 }},
		{"ram ceiling over 100", func(p *model.Policy) { p.RAMCeiling = 101 }},
		{"gpu cap out of range", func(p *model.Policy) {
			v := 150.0
			p.GPUCapPercent = &v
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := model.DefaultPolicy(nil)
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatalf("expected validation error for %q", tc.name)
			}
		})
	}
}

func TestNodeSnapshotCarriesSchedulingFields(t *testing.T) {
	now := time.Now()
	n := model.Node{
		NodeID:       "node-1",
		Status:       model.NodeOnline,
		Capabilities: model.Capabilities{HasGPU: true},
		Policy:       model.DefaultPolicy([]string{"EMBEDDINGS"}),
		Metrics:      model.Metrics{CPUPercent: 10, HeartbeatTS: now},
	}

	snap := n.Snapshot()
	if snap.NodeID != "node-1" || snap.Status != model.NodeOnline {
		t.Fatalf("unexpected snapshot identity: %+v", snap)
	}
	if !snap.HasGPU {
		t.Fatalf("expected snapshot to carry HasGPU from capabilities")
	}
	if snap.Metrics.CPUPercent != 10 {
		t.Fatalf("expected snapshot to carry metrics, got %+v", snap.Metrics)
	}
}

func TestTaskRequiresGPUReadsPayload(t *testing.T) {
	withGPU := model.Task{Payload: []byte(`{"requires_gpu":true}`)}
	if !withGPU.RequiresGPU() {
		t.Fatalf("expected requires_gpu=true to be detected")
	}

	without := model.Task{Payload: []byte(`{"foo":"bar"}`)}
	if without.RequiresGPU() {
		t.Fatalf("expected requires_gpu=false when absent")
	}

	empty := model.Task{}
	if empty.RequiresGPU() {
		t.Fatalf("expected requires_gpu=false for empty payload")
	}

	malformed := model.Task{Payload: []byte(`not json`)}
	if malformed.RequiresGPU() {
		t.Fatalf("expected requires_gpu=false for malformed payload")
	}
}
