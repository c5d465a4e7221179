// Command demoagent is a reference worker that registers with a coordinator,
// reports real host utilization on a heartbeat, and pulls and completes
// tasks. It exists to exercise the coordinator end to end without requiring
// a full task executor; it is not the sandboxed runner real deployments use.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/edgemesh/coordinator/pkg/edgemeshapi"
)

type agentConfig struct {
	CoordinatorURL string
	NodeID         string
	DisplayName    string
	IP             string
	Port           int
	SharedSecret   string
	TaskTypes      []string
	PollInterval   time.Duration
	WorkDuration   time.Duration
}

func configFromEnv() agentConfig {
	return agentConfig{
		CoordinatorURL: getenv("EDGE_MESH_AGENT_COORDINATOR_URL", "http://127.0.0.1:8080"),
		NodeID:         getenv("EDGE_MESH_AGENT_NODE_ID", "demo-"+strconv.FormatInt(time.Now().UnixNano(), 36)),
		DisplayName:    getenv("EDGE_MESH_AGENT_DISPLAY_NAME", "demo agent"),
		IP:             getenv("EDGE_MESH_AGENT_IP", "127.0.0.1"),
		Port:           getenvInt("EDGE_MESH_AGENT_PORT", 9000),
		SharedSecret:   os.Getenv("EDGE_MESH_SHARED_SECRET"),
		TaskTypes:      strings.Split(getenv("EDGE_MESH_AGENT_TASK_TYPES", "EMBEDDINGS,INFERENCE"), ","),
		PollInterval:   time.Duration(getenvInt("EDGE_MESH_AGENT_POLL_SECONDS", 3)) * time.Second,
		WorkDuration:   time.Duration(getenvInt("EDGE_MESH_AGENT_WORK_MS", 250)) * time.Millisecond,
	}
}

func main() {
	cfg := configFromEnv()
	client := newAgentClient(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.register(ctx); err != nil {
		log.Fatalf("register: %v", err)
	}
	log.Printf("demo agent %s registered with %s", cfg.NodeID, cfg.CoordinatorURL)

	go client.heartbeatLoop(ctx)
	client.pullLoop(ctx)

	log.Println("demo agent shutting down")
}

type agentClient struct {
	cfg        agentConfig
	httpClient *http.Client
}

func newAgentClient(cfg agentConfig) *agentClient {
	return &agentClient{cfg: cfg, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (c *agentClient) register(ctx context.Context) error {
	req := edgemeshapi.RegisterRequest{
		NodeID:      c.cfg.NodeID,
		DisplayName: c.cfg.DisplayName,
		IP:          c.cfg.IP,
		Port:        c.cfg.Port,
		Capabilities: edgemeshapi.CapabilitiesDTO{
			TaskTypes: c.cfg.TaskTypes,
			HasGPU:    false,
			CPUCores:  cpuCoreCount(),
			OS:        "linux",
			Arch:      "amd64",
		},
	}
	var out edgemeshapi.NodeDTO
	return c.post(ctx, "/v1/agent/register", req, &out)
}

func (c *agentClient) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.heartbeat(ctx); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *agentClient) heartbeat(ctx context.Context) error {
	req := edgemeshapi.HeartbeatRequest{
		NodeID:  c.cfg.NodeID,
		Metrics: currentMetrics(ctx),
	}
	var out edgemeshapi.NodeDTO
	return c.post(ctx, "/v1/agent/heartbeat", req, &out)
}

func (c *agentClient) pullLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			task, ok, err := c.pull(ctx)
			if err != nil {
				log.Printf("pull failed: %v", err)
				continue
			}
			if !ok {
				continue
			}
			c.execute(ctx, task)
		}
	}
}

func (c *agentClient) pull(ctx context.Context) (edgemeshapi.TaskDTO, bool, error) {
	req := edgemeshapi.PullTaskRequest{NodeID: c.cfg.NodeID}
	var out edgemeshapi.PullTaskResponse
	if err := c.post(ctx, "/v1/tasks/pull", req, &out); err != nil {
		return edgemeshapi.TaskDTO{}, false, err
	}
	if out.Task == nil {
		return edgemeshapi.TaskDTO{}, false, nil
	}
	return *out.Task, true, nil
}

// execute simulates the work a real executor would perform: sleep for a
// configured duration, then report success.
func (c *agentClient) execute(ctx context.Context, task edgemeshapi.TaskDTO) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.WorkDuration):
	}
	result := edgemeshapi.SubmitResultRequest{
		NodeID:     c.cfg.NodeID,
		Success:    true,
		DurationMS: int(time.Since(start).Milliseconds()),
		Output:     json.RawMessage(`{"status":"done"}`),
	}
	var out edgemeshapi.SubmitResultResponse
	if err := c.post(ctx, "/v1/tasks/"+task.ID+"/result", result, &out); err != nil {
		log.Printf("submit result for task %s failed: %v", task.ID, err)
		return
	}
	log.Printf("task %s completed (%s)", task.ID, out.Acceptance)
}

func (c *agentClient) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.CoordinatorURL, "/")+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.SharedSecret != "" {
		req.Header.Set("X-EdgeMesh-Secret", c.cfg.SharedSecret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func currentMetrics(ctx context.Context) edgemeshapi.MetricsDTO {
	cpuPct := 0.0
	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	ramPct := 0.0
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramPct = vm.UsedPercent
	}
	return edgemeshapi.MetricsDTO{
		CPUPercent: cpuPct,
		RAMPercent: ramPct,
		Inflight:   0,
	}
}

func cpuCoreCount() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		return 1
	}
	return counts
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
