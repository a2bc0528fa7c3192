// Package worker runs work items one at a time per key. Each active key owns
// a goroutine draining a bounded queue; the goroutine exits after sitting idle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"misorachat/internal/logger"
)

const (
	defaultQueueLen = 16
	defaultIdle     = time.Minute
)

var (
	// ErrQueueFull is returned when a key already has a full backlog.
	ErrQueueFull = errors.New("task queue full")
	// ErrStopped is returned once the manager has been stopped.
	ErrStopped = errors.New("worker manager stopped")
)

type Config struct {
	QueueSize int
	Idle      time.Duration
	Logger    *zap.Logger
}

type task struct {
	ctx      context.Context
	fn       func(context.Context) error
	resultCh chan error
}

type keyWorker struct {
	taskCh chan task
	stopCh chan struct{}
}

type Manager struct {
	mu      sync.Mutex
	workers map[string]*keyWorker
	stopped bool
	wg      sync.WaitGroup

	queueLen int
	idle     time.Duration
	log      *zap.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueLen
	}
	if cfg.Idle <= 0 {
		cfg.Idle = defaultIdle
	}
	return &Manager{
		workers:  make(map[string]*keyWorker),
		queueLen: cfg.QueueSize,
		idle:     cfg.Idle,
		log:      logger.Component(cfg.Logger, "worker"),
	}
}

// Do queues fn behind earlier work for key and waits for its result. Work for
// different keys runs concurrently. If ctx ends first Do returns ctx.Err();
// a task still waiting in the queue is then skipped.
func (m *Manager) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := task{ctx: ctx, fn: fn, resultCh: make(chan error, 1)}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	w := m.ensureWorkerLocked(key)
	select {
	case w.taskCh <- t:
	default:
		m.mu.Unlock()
		m.log.Warn("turn queue full", zap.String("key", key))
		return ErrQueueFull
	}
	m.mu.Unlock()

	select {
	case err := <-t.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends every worker. Queued tasks fail with ErrStopped; running ones
// finish first.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, w := range m.workers {
		close(w.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Active reports the number of keys with a live worker.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) ensureWorkerLocked(key string) *keyWorker {
	if w, ok := m.workers[key]; ok {
		return w
	}
	w := &keyWorker{
		taskCh: make(chan task, m.queueLen),
		stopCh: make(chan struct{}),
	}
	m.workers[key] = w
	m.wg.Add(1)
	go m.runWorker(key, w)
	return w
}

func (m *Manager) runWorker(key string, w *keyWorker) {
	defer m.wg.Done()
	timer := time.NewTimer(m.idle)
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			m.drain(w)
			m.mu.Lock()
			delete(m.workers, key)
			m.mu.Unlock()
			return
		case t := <-w.taskCh:
			m.run(t)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.idle)
		case <-timer.C:
			// Enqueue happens under m.mu, so an empty queue seen here stays
			// empty until the worker is gone.
			m.mu.Lock()
			if len(w.taskCh) == 0 {
				delete(m.workers, key)
				m.mu.Unlock()
				m.log.Debug("worker idle, exiting", zap.String("key", key))
				return
			}
			m.mu.Unlock()
			timer.Reset(m.idle)
		}
	}
}

func (m *Manager) run(t task) {
	if err := t.ctx.Err(); err != nil {
		t.resultCh <- err
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task panicked", zap.Any("panic", r))
			t.resultCh <- fmt.Errorf("task panicked: %v", r)
		}
	}()
	t.resultCh <- t.fn(t.ctx)
}

func (m *Manager) drain(w *keyWorker) {
	for {
		select {
		case t := <-w.taskCh:
			t.resultCh <- ErrStopped
		default:
			return
		}
	}
}
