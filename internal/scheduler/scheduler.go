package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/panel"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/sethvargo/go-retry"
)

var errPanelUnavailable = errors.New("panel unavailable")

// Pusher sends one user's subscription to the panel.
type Pusher interface {
	Push(ctx context.Context, userID int64) (panel.PushResult, error)
}

// PendingLister returns users whose panel state is known to be stale.
type PendingLister interface {
	ListSyncPending(ctx context.Context, limit int) ([]int64, error)
}

type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseDelay   time.Duration
}

// Scheduler runs panel pushes off the payment path. A user whose pushes keep failing stays pending
// and is picked up by the next reconcile pass.
type Scheduler struct {
	pending     PendingLister
	pusher      Pusher
	logger      *slog.Logger
	workers     int
	maxAttempts int
	baseDelay   time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	queue       chan int64
	queued      map[int64]struct{}
	queuedMu    sync.Mutex
}

func NewScheduler(pending PendingLister, pusher Pusher, logger *slog.Logger, config Config) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = 3
	}
	if config.QueueSize < config.Workers*2 {
		config.QueueSize = config.Workers * 2
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		pending:     pending,
		pusher:      pusher,
		logger:      logger,
		workers:     config.Workers,
		maxAttempts: config.MaxAttempts,
		baseDelay:   config.BaseDelay,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan int64, config.QueueSize),
		queued:      make(map[int64]struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("push scheduler started", "workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	go s.recoverPending()
}

// recoverPending re-queues users left pending by a previous run.
func (s *Scheduler) recoverPending() {
	ids, err := s.pending.ListSyncPending(s.ctx, cap(s.queue))
	if err != nil {
		s.logger.Error("push recovery: failed to list pending users", "error", err)
		return
	}
	enqueued := 0
	for _, id := range ids {
		if s.TryEnqueue(id) {
			enqueued++
		}
	}
	if len(ids) > 0 {
		s.logger.Info("push recovery finished", "pending", len(ids), "enqueued", enqueued)
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping push scheduler")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("push scheduler stopped")
}

func (s *Scheduler) Enqueue(userID int64) {
	s.TryEnqueue(userID)
}

// TryEnqueue schedules a push and never blocks. It reports false when the user is already queued
// or the queue is full; either way the user stays pending in storage.
func (s *Scheduler) TryEnqueue(userID int64) bool {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	if _, exists := s.queued[userID]; exists {
		return false
	}
	select {
	case s.queue <- userID:
		s.queued[userID] = struct{}{}
		return true
	default:
		s.logger.Warn("push queue full, deferring to reconcile", "user_id", userID)
		return false
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case userID := <-s.queue:
			s.queuedMu.Lock()
			delete(s.queued, userID)
			s.queuedMu.Unlock()

			result, err := s.push(userID)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("panel push gave up", "worker", id, "user_id", userID, "result", result, "error", err)
			}
		}
	}
}

// push retries only while the panel is unreachable. Rejections and local failures end the attempt.
func (s *Scheduler) push(userID int64) (panel.PushResult, error) {
	var last panel.PushResult
	backoff := retry.WithMaxRetries(uint64(s.maxAttempts-1), retry.NewExponential(s.baseDelay))
	err := retry.Do(s.ctx, backoff, func(ctx context.Context) error {
		result, err := s.pusher.Push(ctx, userID)
		if err != nil {
			return err
		}
		last = result
		switch result {
		case panel.PushRemoteUnavailable:
			return retry.RetryableError(errPanelUnavailable)
		case panel.PushRemoteRejected:
			return errors.New("panel rejected update")
		}
		return nil
	})
	return last, err
}

var _ types.PushQueue = (*Scheduler)(nil)
