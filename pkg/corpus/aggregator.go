/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: aggregator.go
Description: Single-writer commit loop. Every mutation of the corpus (bitmap, index, manifest,
seed files) runs as a job on one goroutine, fed FIFO through a bounded queue so that producers
block when the aggregator falls behind.
*/

package corpus

import (
	"context"
	"sync"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// Aggregator serializes corpus mutations
type Aggregator struct {
	jobs chan func()
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	// Only touched by the loop goroutine
	poisoned error
}

// NewAggregator starts the commit loop with a queue of the given depth
func NewAggregator(depth int) *Aggregator {
	if depth <= 0 {
		depth = 1
	}
	a := &Aggregator{
		jobs: make(chan func(), depth),
		done: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Aggregator) loop() {
	defer close(a.done)
	for job := range a.jobs {
		job()
	}
}

// Do runs fn on the aggregator goroutine and waits for its result.
// Once fn returns a fatal error every later job fails with that error.
// If ctx ends after the job was queued, the job still runs to completion.
func (a *Aggregator) Do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	job := func() {
		if a.poisoned != nil {
			reply <- a.poisoned
			return
		}
		err := fn()
		if err != nil && core.IsFatal(err) {
			a.poisoned = err
		}
		reply <- err
	}

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return core.ErrStoreClosed
	}
	select {
	case a.jobs <- job:
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}
	a.mu.RUnlock()

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, drains the queue and waits for the loop to exit
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()
	<-a.done
}
