// Package simclock provides a deterministic discrete-event scheduler: a
// priority queue of (wake-time, continuation) pairs driven by a single loop.
// Virtual time advances only when a process suspends in Wait, never from the
// wall clock, so a simulation produces the identical event sequence on every
// execution.
//
// Exactly one process executes between suspension points. Processes scheduled
// for the same instant resume in the order they were scheduled.
package simclock

import (
	"container/heap"
	"sync"
)

// Env is a discrete-event simulation environment.
type Env struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    float64
	queue  timerQueue
	seq    int64
	active int // processes currently runnable (not parked, not finished)
}

// Proc is the handle a process body uses to interact with the clock.
type Proc struct {
	env *Env
}

type timer struct {
	at    float64
	seq   int64
	wake  chan struct{}
	index int
}

// New creates a new simulation environment with the clock at zero.
func New() *Env {
	e := &Env{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Now returns the current virtual time in seconds.
func (e *Env) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Process registers fn as a simulation process. The body does not run until
// the scheduler reaches its start time; a process scheduled at the current
// instant runs after already-queued work for that instant.
func (e *Env) Process(fn func(*Proc)) {
	e.scheduleAfter(0, fn)
}

// ProcessAt registers fn to start after delay seconds of virtual time.
func (e *Env) ProcessAt(delay float64, fn func(*Proc)) {
	if delay < 0 {
		delay = 0
	}
	e.scheduleAfter(delay, fn)
}

func (e *Env) scheduleAfter(delay float64, fn func(*Proc)) {
	wake := make(chan struct{})

	e.mu.Lock()
	e.push(e.now+delay, wake)
	e.mu.Unlock()

	go func() {
		<-wake
		fn(&Proc{env: e})

		e.mu.Lock()
		e.active--
		e.cond.Signal()
		e.mu.Unlock()
	}()
}

// Wait suspends the calling process for d seconds of virtual time.
func (p *Proc) Wait(d float64) {
	if d < 0 {
		d = 0
	}
	e := p.env
	wake := make(chan struct{})

	e.mu.Lock()
	e.push(e.now+d, wake)
	e.active--
	e.cond.Signal()
	e.mu.Unlock()

	<-wake
}

// Now returns the current virtual time as seen by the process.
func (p *Proc) Now() float64 {
	return p.env.Now()
}

// push must be called with e.mu held.
func (e *Env) push(at float64, wake chan struct{}) {
	heap.Push(&e.queue, &timer{at: at, seq: e.seq, wake: wake})
	e.seq++
}

// Run drives the simulation until the event queue is empty or the next event
// would fire after `until` seconds. A negative `until` means run to
// exhaustion. Returns the virtual time at which the loop stopped.
func (e *Env) Run(until float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		// Let the currently-running process reach its next suspension point
		for e.active > 0 {
			e.cond.Wait()
		}

		if e.queue.Len() == 0 {
			break
		}

		next := e.queue[0]
		if until >= 0 && next.at > until {
			e.now = until
			break
		}

		heap.Pop(&e.queue)
		e.now = next.at
		e.active++

		e.mu.Unlock()
		close(next.wake)
		e.mu.Lock()
	}

	return e.now
}

// RunAll drives the simulation until no scheduled work remains.
func (e *Env) RunAll() float64 {
	return e.Run(-1)
}

// timerQueue implements heap.Interface ordered by (wake time, schedule order).
type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
