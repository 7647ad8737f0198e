package casebank

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs consolidation and decay on independent timers, fully
// decoupled from caller goroutines. It is an explicit object with a
// start/stop lifecycle rather than free-running goroutines: shutdown is
// clean and tests tick it manually via RunConsolidationNow / RunDecayNow.
type Scheduler struct {
	consolidator *Consolidator
	decayer      *Decayer

	consolidationInterval time.Duration
	decayInterval         time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	stats maintenanceStats
}

// maintenanceStats counts maintenance events for GetInsights.
type maintenanceStats struct {
	consolidationRuns atomic.Uint64
	decayRuns         atomic.Uint64
	casesMerged       atomic.Uint64
	casesEvicted      atomic.Uint64
	errors            atomic.Uint64
}

func newScheduler(c *Consolidator, d *Decayer, consolidationInterval, decayInterval time.Duration) *Scheduler {
	return &Scheduler{
		consolidator:          c,
		decayer:               d,
		consolidationInterval: consolidationInterval,
		decayInterval:         decayInterval,
	}
}

// Start launches the background timers. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.loop(ctx, s.done)
	log.Printf("[SCHEDULER] Maintenance started (consolidation=%s decay=%s)",
		s.consolidationInterval, s.decayInterval)
}

// Stop halts the timers and waits for any in-flight pass to yield.
// Interrupted passes resume from a fresh scan on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.started = false
	log.Printf("[SCHEDULER] Maintenance stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	consolidation := time.NewTicker(s.consolidationInterval)
	defer consolidation.Stop()
	decay := time.NewTicker(s.decayInterval)
	defer decay.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-consolidation.C:
			s.RunConsolidationNow(ctx)
		case <-decay.C:
			s.RunDecayNow(ctx)
		}
	}
}

// RunConsolidationNow executes one consolidation pass synchronously. Errors
// are logged and counted; the next tick retries — a failing backend must
// not crash the process.
func (s *Scheduler) RunConsolidationNow(ctx context.Context) {
	defer s.recoverTask("consolidation")
	merged, err := s.consolidator.Run(ctx)
	s.stats.consolidationRuns.Add(1)
	s.stats.casesMerged.Add(uint64(merged))
	if err != nil {
		s.stats.errors.Add(1)
		log.Printf("[SCHEDULER] Consolidation pass: %v", err)
	}
}

// RunDecayNow executes one decay pass synchronously.
func (s *Scheduler) RunDecayNow(ctx context.Context) {
	defer s.recoverTask("decay")
	evicted, err := s.decayer.Run(ctx)
	s.stats.decayRuns.Add(1)
	s.stats.casesEvicted.Add(uint64(evicted))
	if err != nil {
		s.stats.errors.Add(1)
		log.Printf("[SCHEDULER] Decay pass: %v", err)
	}
}

func (s *Scheduler) recoverTask(name string) {
	if r := recover(); r != nil {
		s.stats.errors.Add(1)
		log.Printf("[SCHEDULER] %s pass panicked: %v", name, r)
	}
}
