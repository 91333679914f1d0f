// Package pool implements a fixed-size, work-stealing thread pool: each
// worker owns a private deque, submitters route to the calling worker's
// own queue when possible, and idle workers steal from peers before
// blocking. The scheduler package is the pool's primary client, but the
// pool has no dependency on it — it only ever sees nullary closures.
package pool

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrel-systems/taskengine/internal/logger"
	"github.com/kestrel-systems/taskengine/internal/metrics"
)

// Pool is a fixed-size bank of worker goroutines, each with its own
// work-stealing deque.
type Pool struct {
	id string

	// lifecycleMu serializes StopAccepting/Resize/Shutdown so only one
	// lifecycle transition runs at a time.
	lifecycleMu sync.Mutex

	// acceptMu guards the accepting flag against the submit fast path's
	// check-then-Add race: a lifecycle transition holds it only long
	// enough to flip the flag, so inflight.Wait afterward never misses a
	// submit that was already past the check.
	acceptMu  sync.RWMutex
	accepting atomic.Bool

	// mu guards workers and killCh, which are swapped out wholesale by
	// Resize.
	mu      sync.RWMutex
	workers []*workerHandle
	killCh  chan struct{}
	wg      sync.WaitGroup

	workerGoroutines sync.Map // goroutine id (uint64) -> *workerHandle

	// inflight counts jobs that have been accepted but not yet executed,
	// queued or running. Resize waits on it to drain existing work before
	// tearing down the current worker generation.
	inflight sync.WaitGroup
}

// NewPool constructs a pool with n workers. Fails with
// ErrInvalidConfiguration for n <= 0.
func NewPool(n int) (*Pool, error) {
	if n <= 0 {
		return nil, ErrInvalidConfiguration
	}

	p := &Pool{
		id:     uuid.New().String()[:8],
		killCh: make(chan struct{}),
	}
	p.accepting.Store(true)
	p.spawnWorkers(n)

	metrics.SetPoolActiveWorkers(float64(n))
	logPool(p).Info().Int("worker_count", n).Msg("pool started")
	return p, nil
}

func logPool(p *Pool) zerolog.Logger {
	return logger.WithPool(p.id)
}

// spawnWorkers replaces the worker slice and starts a goroutine per
// worker against the pool's current killCh. Callers must not hold mu.
func (p *Pool) spawnWorkers(n int) {
	p.mu.Lock()
	killCh := p.killCh
	workers := make([]*workerHandle, n)
	for i := 0; i < n; i++ {
		workers[i] = &workerHandle{
			index:  i,
			pool:   p,
			queue:  newDeque(),
			notify: make(chan struct{}, 1),
		}
	}
	p.workers = workers
	p.mu.Unlock()

	for _, w := range workers {
		p.wg.Add(1)
		go w.run(killCh)
	}
}

// submit routes j to the calling goroutine's own worker queue if the
// caller is itself a worker of this pool; otherwise it routes to queue 0.
// Exactly one worker is notified per accepted job.
func (p *Pool) submit(j job) error {
	p.acceptMu.RLock()
	if !p.accepting.Load() {
		p.acceptMu.RUnlock()
		return ErrPoolShuttingDown
	}
	p.inflight.Add(1)
	p.acceptMu.RUnlock()

	metrics.RecordTaskSubmission()

	p.mu.RLock()
	var target *workerHandle
	if len(p.workers) > 0 {
		target = p.workers[0]
		if v, ok := p.workerGoroutines.Load(goroutineID()); ok {
			if w, ok := v.(*workerHandle); ok && p.owns(w) {
				target = w
			}
		}
	}
	p.mu.RUnlock()

	if target == nil {
		p.inflight.Done()
		return ErrPoolShuttingDown
	}

	target.queue.pushNear(j)
	target.notifyOne()
	return nil
}

// owns reports whether w belongs to the pool's current worker generation.
// Called with p.mu held for reading.
func (p *Pool) owns(w *workerHandle) bool {
	for _, candidate := range p.workers {
		if candidate == w {
			return true
		}
	}
	return false
}

// stealFor attempts, in round-robin order starting one past selfIndex, to
// take a job from the far end of a peer's queue.
func (p *Pool) stealFor(selfIndex int) (job, bool) {
	p.mu.RLock()
	workers := p.workers
	p.mu.RUnlock()

	n := len(workers)
	if n <= 1 {
		return nil, false
	}
	for i := 1; i < n; i++ {
		victim := workers[(selfIndex+i)%n]
		if j, ok := victim.queue.stealFar(); ok {
			metrics.RecordStealSucceeded()
			return j, true
		}
	}
	metrics.RecordStealFailed()
	return nil, false
}

// WorkerCount returns the number of workers currently live.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// StopAccepting marks the pool closed to new submissions. In-flight and
// already-queued work continues.
func (p *Pool) StopAccepting() {
	p.acceptMu.Lock()
	p.accepting.Store(false)
	p.acceptMu.Unlock()
	logPool(p).Info().Msg("pool no longer accepting submissions")
}

// Resize stops accepting new work, waits for every queued and running job
// to finish, tears down the current workers, and restarts with n workers.
// It returns once the new generation is accepting submissions.
func (p *Pool) Resize(n int) error {
	if n <= 0 {
		return ErrInvalidConfiguration
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.acceptMu.Lock()
	p.accepting.Store(false)
	p.acceptMu.Unlock()

	p.inflight.Wait()

	p.mu.Lock()
	close(p.killCh)
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	p.killCh = make(chan struct{})
	p.workerGoroutines = sync.Map{}
	p.mu.Unlock()

	p.spawnWorkers(n)

	p.acceptMu.Lock()
	p.accepting.Store(true)
	p.acceptMu.Unlock()

	metrics.SetPoolActiveWorkers(float64(n))
	logPool(p).Info().Int("worker_count", n).Msg("pool resized")
	return nil
}

// Shutdown stops accepting work and tells every worker to exit once it
// finishes whatever job it currently holds; queued-but-undispatched
// entries are discarded. It returns once every worker has joined.
func (p *Pool) Shutdown() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.acceptMu.Lock()
	p.accepting.Store(false)
	p.acceptMu.Unlock()

	p.mu.Lock()
	close(p.killCh)
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		w.queue.clear()
	}

	p.wg.Wait()
	metrics.SetPoolActiveWorkers(0)
	logPool(p).Info().Msg("pool stopped")
}

// Stats is a read-only snapshot of the pool's internal bookkeeping,
// useful to an observer (a sequencing layer, the metrics package) even
// though the core does not name a type for it.
type Stats struct {
	WorkerCount int
	QueueDepths []int
}

// Stats returns a point-in-time snapshot of per-worker queue depths.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	depths := make([]int, len(p.workers))
	for i, w := range p.workers {
		depths[i] = w.queue.len()
		metrics.SetPoolQueueDepth(workerLabel(i), float64(depths[i]))
	}
	return Stats{WorkerCount: len(p.workers), QueueDepths: depths}
}

func workerLabel(i int) string {
	return "worker-" + strconv.Itoa(i)
}
