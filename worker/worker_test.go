package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"leadpilot/services"
	"leadpilot/utils"
)

type countingRunner struct {
	calls atomic.Int32
	fail  bool
}

func (r *countingRunner) RunCycle(_ context.Context, opts services.CycleOptions) (*services.CycleReport, error) {
	r.calls.Add(1)
	if r.fail {
		return nil, utils.NewError(utils.KindInternal, "workflow.due", "database is gone")
	}
	now := time.Now()
	return &services.CycleReport{StartedAt: now, FinishedAt: now}, nil
}

type countingSyncer struct {
	calls atomic.Int32
	err   error
}

func (s *countingSyncer) Run(context.Context) (services.SyncResult, error) {
	s.calls.Add(1)
	return services.SyncResult{Skipped: true}, s.err
}

func TestWorkflowWorkerRunsUntilCancelled(t *testing.T) {
	runner := &countingRunner{}
	w := NewWorkflowWorker(runner, 10*time.Millisecond)
	w.InitialDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkflowWorkerSurvivesFailedCycles(t *testing.T) {
	runner := &countingRunner{fail: true}
	w := NewWorkflowWorker(runner, 5*time.Millisecond)
	w.InitialDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkflowWorkerCancelledDuringInitialDelay(t *testing.T) {
	runner := &countingRunner{}
	w := NewWorkflowWorker(runner, time.Millisecond)
	w.InitialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)
	assert.Zero(t, runner.calls.Load())
}

func TestSyncWorkerTicks(t *testing.T) {
	syncer := &countingSyncer{err: utils.NewError(utils.KindServiceUnavailable, "channel", "breaker open")}
	w := NewSyncWorker(syncer, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return syncer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
