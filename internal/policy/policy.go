// Package policy implements the scheduler eligibility rule as a pure
// function over a node snapshot: no I/O, no mutation, callable identically
// from the dispatcher (inside a transaction) and the simulator (read-only).
package policy

import (
	"sort"
	"time"

	"github.com/edgemesh/coordinator/internal/model"
)

// Query is one eligibility evaluation request.
type Query struct {
	TaskType    string
	RequiresGPU bool
	Now         time.Time
	StaleAfter  time.Duration
}

// Reason codes explain why a node was excluded from an eligibility list;
// surfaced by the simulator for operator diagnostics. They never affect
// dispatch order.
const (
	ReasonPolicyDisabled  = "policy_disabled"
	ReasonNodeNotOnline   = "node_not_online"
	ReasonTaskNotAllowed  = "task_not_allowed"
	ReasonAtConcurrency   = "at_max_concurrent"
	ReasonCPUOverCap      = "cpu_over_cap"
	ReasonRAMOverCap      = "ram_over_cap"
	ReasonGPUOverCap      = "gpu_over_cap"
	ReasonGPURequired     = "gpu_required"
)

// Evaluation is one node's eligibility outcome.
type Evaluation struct {
	NodeID   string
	Eligible bool
	Reasons  []string
	Score    float64
}

func isStale(n model.NodeSnapshot, q Query) bool {
	return n.Status != model.NodeOnline || q.Now.Sub(n.Metrics.HeartbeatTS) >= q.StaleAfter
}

// Evaluate applies the five eligibility rules from the scheduling contract
// to a single node and returns the reason codes for every rule it fails.
func Evaluate(q Query, n model.NodeSnapshot) Evaluation {
	var reasons []string

	if !n.Policy.Enabled {
		reasons = append(reasons, ReasonPolicyDisabled)
	}
	if isStale(n, q) {
		reasons = append(reasons, ReasonNodeNotOnline)
	}
	if !containsString(n.Policy.AcceptedTaskTypes, q.TaskType) {
		reasons = append(reasons, ReasonTaskNotAllowed)
	}
	if n.Metrics.Inflight >= n.Policy.MaxConcurrent {
		reasons = append(reasons, ReasonAtConcurrency)
	}
	if n.Metrics.CPUPercent > n.Policy.CPUCeiling {
		reasons = append(reasons, ReasonCPUOverCap)
	}
	if n.Metrics.RAMPercent > n.Policy.RAMCeiling {
		reasons = append(reasons, ReasonRAMOverCap)
	}
	if q.RequiresGPU && !n.HasGPU {
		reasons = append(reasons, ReasonGPURequired)
	}
	if q.RequiresGPU && n.Metrics.GPUPercent != nil {
		cap := 100.0
		if n.Policy.GPUCapPercent != nil {
			cap = *n.Policy.GPUCapPercent
		}
		if *n.Metrics.GPUPercent > cap {
			reasons = append(reasons, ReasonGPUOverCap)
		}
	}

	return Evaluation{
		NodeID:   n.NodeID,
		Eligible: len(reasons) == 0,
		Reasons:  reasons,
		Score:    advisoryScore(n, q),
	}
}

// EligibleNodes returns the eligible subset of nodes ordered by the
// deterministic lexicographic key (inflight, cpu_pct, ram_pct, node_id).
// This ordering is the sole contract the dispatcher relies on; it must
// agree with the simulator given the same snapshot.
func EligibleNodes(q Query, nodes []model.NodeSnapshot) []model.NodeSnapshot {
	var eligible []model.NodeSnapshot
	for _, n := range nodes {
		if Evaluate(q, n).Eligible {
			eligible = append(eligible, n)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Metrics.Inflight != b.Metrics.Inflight {
			return a.Metrics.Inflight < b.Metrics.Inflight
		}
		if a.Metrics.CPUPercent != b.Metrics.CPUPercent {
			return a.Metrics.CPUPercent < b.Metrics.CPUPercent
		}
		if a.Metrics.RAMPercent != b.Metrics.RAMPercent {
			return a.Metrics.RAMPercent < b.Metrics.RAMPercent
		}
		return a.NodeID < b.NodeID
	})
	return eligible
}

// EvaluateAll evaluates every node, eligible or not, for simulator/diagnostic
// responses. Eligible entries are ordered exactly as EligibleNodes would.
func EvaluateAll(q Query, nodes []model.NodeSnapshot) []Evaluation {
	evals := make([]Evaluation, 0, len(nodes))
	byNode := map[string]model.NodeSnapshot{}
	for _, n := range nodes {
		byNode[n.NodeID] = n
		evals = append(evals, Evaluate(q, n))
	}

	eligibleOrder := EligibleNodes(q, nodes)
	rank := map[string]int{}
	for i, n := range eligibleOrder {
		rank[n.NodeID] = i
	}

	sort.SliceStable(evals, func(i, j int) bool {
		ri, iok := rank[evals[i].NodeID]
		rj, jok := rank[evals[j].NodeID]
		if iok && jok {
			return ri < rj
		}
		if iok != jok {
			return iok
		}
		return evals[i].NodeID < evals[j].NodeID
	})
	return evals
}

// advisoryScore is a read-only, dashboard-facing score: headroom on CPU/RAM
// relative to the node's own caps, with a role-preference bonus. It never
// participates in dispatch ordering.
func advisoryScore(n model.NodeSnapshot, q Query) float64 {
	cpuCap := n.Policy.CPUCeiling
	if cpuCap <= 0 {
		cpuCap = 1
	}
	ramCap := n.Policy.RAMCeiling
	if ramCap <= 0 {
		ramCap = 1
	}

	cpuRatio := clamp(n.Metrics.CPUPercent/cpuCap, 0, 2)
	ramRatio := clamp(n.Metrics.RAMPercent/ramCap, 0, 2)

	score := 100.0 - (cpuRatio*50.0 + ramRatio*40.0)

	switch n.Policy.RolePreference {
	case model.RolePreferInference:
		if q.TaskType == "INFERENCE" {
			score += 15.0
		}
	case model.RolePreferEmbeddings:
		if q.TaskType == "EMBEDDINGS" {
			score += 15.0
		}
	case model.RolePreferPreprocess:
		if q.TaskType == "PREPROCESS" {
			score += 15.0
		}
	}
	if q.TaskType == "INFERENCE" && n.HasGPU &&
		(n.Policy.RolePreference == model.RolePreferAuto || n.Policy.RolePreference == model.RolePreferInference) {
		score += 10.0
	}

	if q.TaskType == "INFERENCE" && n.Metrics.GPUPercent != nil {
		gpuCap := 100.0
		if n.Policy.GPUCapPercent != nil {
			gpuCap = *n.Policy.GPUCapPercent
		}
		if gpuCap <= 0 {
			gpuCap = 1
		}
		gpuRatio := clamp(*n.Metrics.GPUPercent/gpuCap, 0, 2)
		score -= gpuRatio * 10.0
	}

	return round3(score)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round3(v float64) float64 {
	const p = 1000.0
	if v < 0 {
		return -round3(-v)
	}
	return float64(int(v*p+0.5)) / p
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
