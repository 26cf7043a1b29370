// Package routines provides a pool of go-routines for running functions
// asynchronously.
package routines

import "sync"

// Pool runs queued functions in a fixed number of go-routines.
// A Pool with a size of 1 runs all queued functions serialized, in queue
// order.
type Pool struct {
	queue chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func NewPool(size int) *Pool {
	p := Pool{
		queue: make(chan func()),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()

			for fn := range p.queue {
				fn()
			}
		}()
	}

	return &p
}

// Queue schedules fn to be run by one of the pool's go-routines.
// It blocks until a go-routine accepted the function.
// Calling Queue after Wait panics.
func (p *Pool) Queue(fn func()) {
	p.queue <- fn
}

// Wait stops accepting new functions and blocks until all queued functions
// finished.
// Wait can be called multiple times.
func (p *Pool) Wait() {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
}
