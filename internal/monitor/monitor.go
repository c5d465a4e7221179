// Package monitor runs the two background sweep loops against the
// repository: node-staleness and lease-expiry recovery. Both are
// idempotent, set-based, and safe to run concurrently with ingest.
package monitor

import (
	"context"
	"log"
	"time"
)

// StaleSweeper and LeaseSweeper are the subsets of repository.Repository
// each loop needs.
type StaleSweeper interface {
	SweepStaleNodes(ctx context.Context) ([]string, error)
}

type LeaseSweeper interface {
	ReclaimExpiredLeases(ctx context.Context) ([]string, error)
}

// Loop runs a named periodic sweep until ctx is cancelled. A sweep error is
// logged and the loop continues; a monitor never crashes the process.
type Loop struct {
	Name   string
	Period time.Duration
	Sweep  func(context.Context) (int, error)
}

func (l Loop) Start(ctx context.Context) {
	t := time.NewTicker(l.Period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				log.Printf("monitor %s: sweep failed: %v", l.Name, err)
				continue
			}
			if n > 0 {
				log.Printf("monitor %s: affected %d", l.Name, n)
			}
		}
	}
}

// StaleScan wraps SweepStaleNodes for use as a Loop.
func StaleScan(period time.Duration, repo StaleSweeper) Loop {
	return Loop{
		Name:   "stale-scan",
		Period: period,
		Sweep: func(ctx context.Context) (int, error) {
			ids, err := repo.SweepStaleNodes(ctx)
			return len(ids), err
		},
	}
}

// LeaseScan wraps ReclaimExpiredLeases for use as a Loop.
func LeaseScan(period time.Duration, repo LeaseSweeper) Loop {
	return Loop{
		Name:   "lease-scan",
		Period: period,
		Sweep: func(ctx context.Context) (int, error) {
			ids, err := repo.ReclaimExpiredLeases(ctx)
			return len(ids), err
		},
	}
}
