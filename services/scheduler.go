package services

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler is the thin timer adapter around the reconciliation sweeps. It
// holds no decision logic of its own: on every tick it calls the same
// operations an HTTP handler can call synchronously. Reconciliation runs on
// the configured interval; cycle initialization runs once whenever a tick
// lands in a cycle that has not been initialized yet.
type Scheduler struct {
	recon    *ReconciliationService
	interval time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lastCycle string
}

func NewScheduler(recon *ReconciliationService, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		recon:    recon,
		interval: interval,
	}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	log.Printf("Scheduler started, reconcile interval %s", s.interval)
}

// Stop cancels the loop's context so no new per-donor writes are issued and
// waits for the loop to drain. In-flight writes complete normally.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// First sweep on startup rather than one full interval later.
	s.tick(ctx, time.Now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if cycle := CycleKey(now); cycle != s.lastCycle {
		res := s.recon.InitializeCycleRecords(ctx, now)
		log.Printf("Cycle %s initialization: initialized=%d skipped=%d failed=%d total=%d",
			cycle, res.Initialized, res.Skipped, res.Failed, res.Total)
		if ctx.Err() == nil {
			s.lastCycle = cycle
		}
	}

	res := s.recon.ReconcileOverdueDonors(ctx, now)
	log.Printf("Overdue reconciliation: updated=%d checked=%d failed=%d",
		res.Updated, res.Checked, res.Failed)
}
