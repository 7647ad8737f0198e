package casebank_test

import (
	"context"
	"testing"
	"time"

	casebank "github.com/becomeliminal/casebank-go"
)

func TestScheduler_StartStopIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s := m.Maintenance()

	s.Start()
	s.Start() // second Start is a no-op
	s.Stop()
	s.Stop() // second Stop is a no-op

	// Restartable after a clean stop.
	s.Start()
	s.Stop()
}

func TestScheduler_TicksBothTasks(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *casebank.Config) {
		c.ConsolidationInterval = 5 * time.Millisecond
		c.DecayInterval = 5 * time.Millisecond
	})
	s := m.Maintenance()

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ins, err := m.GetInsights(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if ins.ConsolidationRuns > 0 && ins.DecayRuns > 0 {
			s.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()
	t.Fatal("maintenance timers never fired")
}

func TestScheduler_ManualRunsCountErrors(t *testing.T) {
	m, store, index := newTestManager(t, nil)
	seedCase(t, store, index, &casebank.Case{
		ID:            "only",
		Kind:          "decision",
		ContextVector: []float32{1, 0, 0, 0},
		SuccessScore:  0.5,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A canceled pass is logged and counted, never fatal.
	m.Maintenance().RunConsolidationNow(ctx)
	m.Maintenance().RunDecayNow(ctx)

	ins, err := m.GetInsights(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ins.ConsolidationRuns != 1 || ins.DecayRuns != 1 {
		t.Errorf("runs = %d/%d, want 1/1", ins.ConsolidationRuns, ins.DecayRuns)
	}
	if ins.MaintenanceErrors != 2 {
		t.Errorf("errors = %d, want 2", ins.MaintenanceErrors)
	}
}
