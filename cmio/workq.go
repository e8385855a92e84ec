package cmio

import (
	"sync"
)

// Work is a slot for work that needs to be done.
type Work[T, R any] struct {
	In  T
	Err error
	Out R

	i    int
	done bool
}

// WorkQueue runs a slow preparation step for items on a pool of goroutines,
// and hands the prepared items to a process function in the order they were
// added. Domain queues use it to customize messages concurrently while
// enqueueing them on the SMTP connection in recipient order.
type WorkQueue[T, R any] struct {
	max   int
	ring  []Work[T, R]
	start int
	n     int

	wg   sync.WaitGroup // For waiting for workers to stop.
	work chan Work[T, R]
	done chan Work[T, R]

	process func(T, R, error) error
}

// NewWorkQueue creates a new work queue with "procs" goroutines, and a total
// work queue size of "size" (e.g. 2*procs). Each worker calls prepare for
// items it receives. Process is called for each item in order, with the
// prepare result and error. If process returns an error, processing stops
// and Add/Finish return that error.
func NewWorkQueue[T, R any](procs, size int, prepare func(T) (R, error), process func(T, R, error) error) *WorkQueue[T, R] {
	wq := &WorkQueue[T, R]{
		max:     size,
		ring:    make([]Work[T, R], size),
		work:    make(chan Work[T, R], size), // Scheduling never blocks for the main goroutine.
		done:    make(chan Work[T, R], size), // Sending a result never blocks for a worker.
		process: process,
	}

	wq.wg.Add(procs)
	for i := 0; i < procs; i++ {
		go func() {
			defer wq.wg.Done()
			for w := range wq.work {
				w.Out, w.Err = prepare(w.In)
				wq.done <- w
			}
		}()
	}

	return wq
}

// Add adds new work to be prepared to the queue. If the queue is full, it
// waits until the head of the queue is prepared, and processes the prepared
// items to make space available.
func (wq *WorkQueue[T, R]) Add(in T) error {
	if wq.n < wq.max {
		wq.work <- Work[T, R]{i: (wq.start + wq.n) % wq.max, done: true, In: in}
		wq.n++
		return nil
	}

	// Wait for finished work until start is done.
	for {
		w := <-wq.done
		wq.ring[w.i] = w
		if w.i == wq.start {
			break
		}
	}

	if err := wq.processHead(); err != nil {
		return err
	}

	wq.work <- Work[T, R]{i: (wq.start + wq.n) % wq.max, done: true, In: in}
	wq.n++
	return nil
}

func (wq *WorkQueue[T, R]) processHead() error {
	for wq.n > 0 && wq.ring[wq.start].done {
		wq.ring[wq.start].done = false
		w := wq.ring[wq.start]
		wq.start = (wq.start + 1) % len(wq.ring)
		wq.n -= 1

		if err := wq.process(w.In, w.Out, w.Err); err != nil {
			return err
		}
	}
	return nil
}

// Finish waits for the remaining work to be prepared and processes it.
func (wq *WorkQueue[T, R]) Finish() error {
	var err error
	for wq.n > 0 && err == nil {
		w := <-wq.done
		wq.ring[w.i] = w

		err = wq.processHead()
	}
	return err
}

// Stop shuts down the worker goroutines and waits until they have returned.
// Stop must always be called on a WorkQueue, otherwise the goroutines never
// stop.
func (wq *WorkQueue[T, R]) Stop() {
	close(wq.work)
	wq.wg.Wait()
}
