package pool

// workerHandle is one worker's identity within the pool: its own deque,
// a single-slot notify channel, and the index used for round-robin
// steal victim selection.
type workerHandle struct {
	index  int
	pool   *Pool
	queue  *deque
	notify chan struct{}
}

// run is the worker loop: own queue, then steal, then block. It returns
// once the pool's current killCh closes.
func (w *workerHandle) run(killCh chan struct{}) {
	defer w.pool.wg.Done()

	gid := goroutineID()
	w.pool.workerGoroutines.Store(gid, w)
	defer w.pool.workerGoroutines.Delete(gid)

	for {
		if j, ok := w.queue.popNear(); ok {
			w.execute(j)
			continue
		}

		if j, ok := w.pool.stealFor(w.index); ok {
			w.execute(j)
			continue
		}

		select {
		case <-w.notify:
			continue
		case <-killCh:
			return
		}
	}
}

// execute runs one job. A panic here is a backstop: Submit already wraps
// closures with their own recovery, but execute recovers unconditionally
// so a malformed job submitted outside Submit can never kill the worker.
func (w *workerHandle) execute(j job) {
	defer w.pool.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			logPool(w.pool).Error().Interface("panic", r).Msg("pool job panicked")
		}
	}()
	j()
}

// notifyOne performs a single non-blocking notification. Submit calls
// this exactly once per accepted job; a full channel means the worker is
// already awake and will see the new item on its own.
func (w *workerHandle) notifyOne() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
