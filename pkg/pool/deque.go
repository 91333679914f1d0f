package pool

import "sync"

// job is the pool's internal unit of work: a nullary closure that has
// already captured its Future so the worker loop stays generic-free.
type job func()

// deque is a worker's private double-ended queue. The owner pushes and
// pops from the near end (LIFO, for cache locality); stealers take from
// the far end (FIFO, to minimize contention with the owner). All access
// is serialized through mu, per spec.
type deque struct {
	mu    sync.Mutex
	items []job
}

func newDeque() *deque {
	return &deque{}
}

// pushNear adds j to the owner's end.
func (d *deque) pushNear(j job) {
	d.mu.Lock()
	d.items = append(d.items, j)
	d.mu.Unlock()
}

// popNear removes from the owner's end, LIFO.
func (d *deque) popNear() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil, false
	}
	j := d.items[n-1]
	d.items[n-1] = nil
	d.items = d.items[:n-1]
	return j, true
}

// stealFar removes from the opposite end, FIFO from the stealer's view.
func (d *deque) stealFar() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	j := d.items[0]
	d.items[0] = nil
	d.items = d.items[1:]
	return j, true
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// clear discards every queued-but-undispatched entry. Used by Shutdown,
// which drains only the task a worker already holds.
func (d *deque) clear() {
	d.mu.Lock()
	d.items = nil
	d.mu.Unlock()
}
