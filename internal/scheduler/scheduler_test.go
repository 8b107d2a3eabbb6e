package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/panel"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPusher struct {
	mu      sync.Mutex
	results map[int64][]panel.PushResult
	calls   map[int64]int
	done    chan int64
}

func newScriptedPusher(results map[int64][]panel.PushResult) *scriptedPusher {
	return &scriptedPusher{results: results, calls: map[int64]int{}, done: make(chan int64, 16)}
}

func (p *scriptedPusher) Push(_ context.Context, userID int64) (panel.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls[userID]
	p.calls[userID] = n + 1
	script := p.results[userID]
	result := panel.PushOK
	if n < len(script) {
		result = script[n]
	}
	if result != panel.PushRemoteUnavailable || n+1 >= len(script) {
		select {
		case p.done <- userID:
		default:
		}
	}
	return result, nil
}

func (p *scriptedPusher) count(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[userID]
}

type staticPending []int64

func (s staticPending) ListSyncPending(context.Context, int) ([]int64, error) { return s, nil }

func waitFor(t *testing.T, ch <-chan int64, want int64) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("push for user %d did not finish", want)
	}
}

func TestScheduler_RetriesWhilePanelUnavailable(t *testing.T) {
	pusher := newScriptedPusher(map[int64][]panel.PushResult{
		1: {panel.PushRemoteUnavailable, panel.PushRemoteUnavailable, panel.PushOK},
	})
	s := NewScheduler(staticPending(nil), pusher, nil, Config{Workers: 1, MaxAttempts: 5, BaseDelay: time.Millisecond})
	s.Start()
	defer s.Stop()

	s.Enqueue(1)
	waitFor(t, pusher.done, 1)
	assert.Equal(t, 3, pusher.count(1))
}

func TestScheduler_GivesUpAfterMaxAttempts(t *testing.T) {
	pusher := newScriptedPusher(map[int64][]panel.PushResult{
		1: {panel.PushRemoteUnavailable, panel.PushRemoteUnavailable},
	})
	s := NewScheduler(staticPending(nil), pusher, nil, Config{Workers: 1, MaxAttempts: 2, BaseDelay: time.Millisecond})
	s.Start()
	defer s.Stop()

	s.Enqueue(1)
	waitFor(t, pusher.done, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, pusher.count(1))
}

func TestScheduler_RejectionIsNotRetried(t *testing.T) {
	pusher := newScriptedPusher(map[int64][]panel.PushResult{1: {panel.PushRemoteRejected}})
	s := NewScheduler(staticPending(nil), pusher, nil, Config{Workers: 1, MaxAttempts: 5, BaseDelay: time.Millisecond})
	s.Start()
	defer s.Stop()

	s.Enqueue(1)
	waitFor(t, pusher.done, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pusher.count(1))
}

func TestScheduler_RecoversPendingOnStart(t *testing.T) {
	pusher := newScriptedPusher(nil)
	s := NewScheduler(staticPending{5}, pusher, nil, Config{Workers: 1})
	s.Start()
	defer s.Stop()

	waitFor(t, pusher.done, 5)
}

func TestScheduler_EnqueueNeverBlocks(t *testing.T) {
	s := NewScheduler(staticPending(nil), newScriptedPusher(nil), nil, Config{Workers: 1, QueueSize: 2})

	assert.True(t, s.TryEnqueue(1))
	assert.False(t, s.TryEnqueue(1), "already queued")
	assert.True(t, s.TryEnqueue(2))
	assert.False(t, s.TryEnqueue(3), "queue full")
}

type fakeScanner struct{ calls int }

func (f *fakeScanner) Scan(context.Context, time.Time) ([]types.NotificationEvent, error) {
	f.calls++
	return nil, nil
}

type fakeReconciler struct{ calls int }

func (f *fakeReconciler) ReconcileAll(context.Context) (panel.SyncSummary, error) {
	f.calls++
	return panel.SyncSummary{}, nil
}

type fakeRecoverer struct{ calls int }

func (f *fakeRecoverer) Recover(context.Context) (int, error) {
	f.calls++
	return 1, nil
}

func TestJobs_RunDirectly(t *testing.T) {
	scanner, reconciler, recoverer := &fakeScanner{}, &fakeReconciler{}, &fakeRecoverer{}
	j := NewJobs(scanner, reconciler, recoverer, nil, JobsConfig{})

	j.ScanExpiry()
	j.Reconcile()
	assert.Equal(t, 1, scanner.calls)
	assert.Equal(t, 1, reconciler.calls)
	assert.Equal(t, 1, recoverer.calls)
}

func TestJobs_InvalidScheduleIsSkipped(t *testing.T) {
	j := NewJobs(&fakeScanner{}, &fakeReconciler{}, nil, nil, JobsConfig{ExpirySchedule: "not a schedule", ReconcileSchedule: "*/15 * * * *"})
	j.Start()
	<-j.Stop().Done()
	require.Len(t, j.cron.Entries(), 1)
}
