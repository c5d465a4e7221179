// Command coordinator runs the EdgeMesh coordination engine: the node
// registry, job/task store, leased pull scheduler, and the HTTP surface
// agents and operators talk to.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgemesh/coordinator/internal/api"
	"github.com/edgemesh/coordinator/internal/config"
	"github.com/edgemesh/coordinator/internal/eventbus"
	"github.com/edgemesh/coordinator/internal/ingest"
	"github.com/edgemesh/coordinator/internal/monitor"
	"github.com/edgemesh/coordinator/internal/observability"
	"github.com/edgemesh/coordinator/internal/policy"
	"github.com/edgemesh/coordinator/internal/repository"
	"github.com/edgemesh/coordinator/internal/store"
)

func main() {
	cfg := config.FromEnv()

	shutdownTrace, err := observability.InitTracingFromEnv("edgemesh-coordinator")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	seed, err := policy.LoadSeedFromEnv(cfg.DefaultPolicyFile)
	if err != nil {
		log.Fatalf("load default policy file: %v", err)
	}
	for _, rule := range seed.Rules {
		ingest.RegisterKnownTaskType(rule.TaskType)
	}

	bus := eventbus.New()
	repo := repository.New(db, bus, cfg.NodeStaleSecs, cfg.TaskLeaseSecs)
	svc := ingest.New(repo, seed)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.StaleScan(time.Duration(cfg.StaleScanEvery)*time.Second, repo).Start(ctx)
	go monitor.LeaseScan(time.Duration(cfg.LeaseScanEvery)*time.Second, repo).Start(ctx)

	srv := api.NewServer(svc, repo, bus, api.Options{
		SharedSecret:   cfg.SharedSecret,
		PullRatePerSec: cfg.PullRatePerSec,
		PullRateBurst:  cfg.PullRateBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.HandleFunc("/v1/metrics/internal", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(observability.Default.Snapshot())
	})
	mux.HandleFunc("/v1/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("edgemesh coordinator listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBPath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("coordinator failed: %v", err)
	}
	log.Println("edgemesh coordinator shutting down")
}
