// Package config loads coordinator settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr       string
	DBPath         string
	SharedSecret   string
	NodeStaleSecs  int
	TaskLeaseSecs  int
	StaleScanEvery int // seconds
	LeaseScanEvery int // seconds

	OTelExporter string // none|stdout|otlpgrpc|otlphttp
	OTelEndpoint string

	DefaultPolicyFile string

	PullRatePerSec float64
	PullRateBurst  int
}

func FromEnv() Config {
	return Config{
		HTTPAddr:       getenv("EDGE_MESH_HTTP_ADDR", ":8080"),
		DBPath:         getenv("EDGE_MESH_DB_PATH", "./edgemesh.db"),
		SharedSecret:   strings.TrimSpace(os.Getenv("EDGE_MESH_SHARED_SECRET")),
		NodeStaleSecs:  getenvInt("NODE_STALE_SECONDS", 15),
		TaskLeaseSecs:  getenvInt("TASK_LEASE_SECONDS", 30),
		StaleScanEvery: getenvInt("EDGE_MESH_STALE_SCAN_SECONDS", 5),
		LeaseScanEvery: getenvInt("EDGE_MESH_LEASE_SCAN_SECONDS", 3),

		OTelExporter: getenv("EDGE_MESH_OTEL_EXPORTER", "none"),
		OTelEndpoint: os.Getenv("EDGE_MESH_OTEL_ENDPOINT"),

		DefaultPolicyFile: os.Getenv("EDGE_MESH_DEFAULT_POLICY_FILE"),

		PullRatePerSec: getenvFloat("EDGE_MESH_PULL_RATE_PER_SEC", 5),
		PullRateBurst:  getenvInt("EDGE_MESH_PULL_RATE_BURST", 10),
	}
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

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}
