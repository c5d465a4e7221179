package model

import "encoding/json"

// requiresGPU peeks at an opaque task payload for a requires_gpu field
// without the repository ever needing to know the payload's shape.
func requiresGPU(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	var probe struct {
		RequiresGPU bool `json:"requires_gpu"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.RequiresGPU
}
