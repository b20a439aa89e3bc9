package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool bounds the number of concurrently running jobs.
type Pool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free, then runs job in its own goroutine.
// It returns false without running job if ctx is done first.
func (p *Pool) Submit(ctx context.Context, job func(ctx context.Context)) bool {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			<-p.sem
			p.wg.Done()
		}()
		job(ctx)
	}()
	return true
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

func (p *Pool) Size() int { return cap(p.sem) }
