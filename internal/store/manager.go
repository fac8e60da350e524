package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"imagevault/pkg/domain"
)

// ErrManagerClosed is returned by Flush while a shutdown is draining.
var ErrManagerClosed = errors.New("persistence manager closed")

// shutdownWait bounds how long Shutdown waits for the worker to drain.
const shutdownWait = 30 * time.Second

type saveFunc func(ctx context.Context, patients []*domain.Patient) error

// Manager serializes background saves through a single worker goroutine.
// Snapshots are processed strictly in enqueue order so a later save can
// never be overwritten by an earlier one. A nil queue entry is the shutdown
// sentinel; a worker that consumes one exits, and the enqueue paths restart
// a dead worker. A save issued after Shutdown reopens the manager and spawns
// a fresh worker.
type Manager struct {
	save saveFunc
	log  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]*domain.Patient
	inflight int
	alive    bool
	closing  bool
	started  int
}

// NewManager returns a Manager that persists snapshots through save. The
// worker starts lazily on the first enqueue.
func NewManager(save saveFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = discardLogger()
	}
	m := &Manager{save: save, log: log}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SaveAsync snapshots the patient slice and queues it for the worker. The
// patient pointers are shared with the caller; mutations made after enqueue
// may or may not be included in the persisted state, which is why callers
// that need a barrier follow up with Flush. A save issued after Shutdown
// reopens the manager and restarts the worker.
func (m *Manager) SaveAsync(patients []*domain.Patient) error {
	snapshot := make([]*domain.Patient, len(patients))
	copy(snapshot, patients)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		m.log.Warn("persistence manager was stopped, restarting worker for new save")
		m.closing = false
		m.dropSentinelsLocked()
	}
	m.ensureWorkerLocked()
	m.queue = append(m.queue, snapshot)
	saveQueueDepthGauge.Set(float64(m.pendingLocked()))
	m.cond.Broadcast()
	return nil
}

// Flush blocks until every queued snapshot has been persisted. It restarts
// a dead worker, so a Flush issued after a worker crash still drains the
// queue rather than hanging.
func (m *Manager) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pendingLocked() > 0 || m.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.closing {
			return ErrManagerClosed
		}
		m.ensureWorkerLocked()
		m.cond.Wait()
	}
	return nil
}

// QueueDepth reports snapshots waiting or in flight.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked() + m.inflight
}

// Shutdown stops accepting work, signals the worker, and waits up to 30
// seconds for it to drain. Snapshots still pending after the wait are
// reported through the returned error; they stay queued until a later save
// reopens the manager.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	m.log.Info("persistence manager shutting down", "pending", m.pendingLocked()+m.inflight)
	if !m.alive {
		m.mu.Unlock()
		return nil
	}
	m.queue = append(m.queue, nil)
	m.cond.Broadcast()

	deadline := time.Now().Add(shutdownWait)
	timer := time.AfterFunc(shutdownWait, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	for m.alive && time.Now().Before(deadline) {
		m.cond.Wait()
	}
	timer.Stop()
	pending := m.pendingLocked() + m.inflight
	stillAlive := m.alive
	m.mu.Unlock()

	if stillAlive {
		m.log.Warn("persistence worker did not drain before shutdown deadline", "pending", pending)
		return fmt.Errorf("persistence worker still busy after %s with %d snapshots pending", shutdownWait, pending)
	}
	return nil
}

// pendingLocked counts queued snapshots, ignoring shutdown sentinels.
func (m *Manager) pendingLocked() int {
	n := 0
	for _, item := range m.queue {
		if item != nil {
			n++
		}
	}
	return n
}

// dropSentinelsLocked removes stale shutdown sentinels so a freshly
// restarted worker does not exit on one before reaching queued snapshots.
func (m *Manager) dropSentinelsLocked() {
	kept := m.queue[:0]
	for _, item := range m.queue {
		if item != nil {
			kept = append(kept, item)
		}
	}
	m.queue = kept
}

func (m *Manager) ensureWorkerLocked() {
	if m.alive || m.closing {
		return
	}
	m.alive = true
	m.started++
	if m.started > 1 {
		workerRestartsTotal.Inc()
		m.log.Warn("restarting persistence worker", "restart", m.started-1)
	}
	go m.worker()
}

func (m *Manager) worker() {
	defer func() {
		m.mu.Lock()
		m.alive = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			m.cond.Wait()
		}
		item := m.queue[0]
		m.queue = m.queue[1:]
		if item == nil {
			m.mu.Unlock()
			return
		}
		m.inflight++
		saveQueueDepthGauge.Set(float64(m.pendingLocked()))
		m.mu.Unlock()

		m.process(item)

		m.mu.Lock()
		m.inflight--
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// process persists one snapshot. A panic or error in one save is contained
// so the snapshots queued behind it still run.
func (m *Manager) process(snapshot []*domain.Patient) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			saveOperationsTotal.WithLabelValues("async", "panic").Inc()
			saveDurationHistogram.WithLabelValues("panic").Observe(time.Since(start).Seconds())
			m.log.Error("snapshot save panicked", "panic", r, "patients", len(snapshot))
		}
	}()
	if err := m.save(context.Background(), snapshot); err != nil {
		saveOperationsTotal.WithLabelValues("async", "error").Inc()
		saveDurationHistogram.WithLabelValues("error").Observe(time.Since(start).Seconds())
		m.log.Error("snapshot save failed", "err", err, "patients", len(snapshot))
		return
	}
	saveOperationsTotal.WithLabelValues("async", "success").Inc()
	saveDurationHistogram.WithLabelValues("success").Observe(time.Since(start).Seconds())
}

// killWorkerForTest enqueues a sentinel without starting shutdown, forcing
// the worker to exit as if it had died.
func (m *Manager) killWorkerForTest() {
	m.mu.Lock()
	if m.alive {
		m.queue = append(m.queue, nil)
		m.cond.Broadcast()
	}
	for m.alive {
		m.cond.Wait()
	}
	m.mu.Unlock()
}
