package pool

import (
	"context"
	"sync"
)

// Pool bounds how many pipelines run at once.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem: make(chan struct{}, size),
	}
}

// Size is the concurrency limit.
func (p *Pool) Size() int { return cap(p.sem) }

// Go runs fn once a slot is free. If ctx ends first, fn never runs and the
// channel yields ctx's error. The channel receives exactly one value.
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}
	errCh := make(chan error, 1)
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		errCh <- ctx.Err()
		close(errCh)
		return errCh
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		errCh <- fn(ctx)
		close(errCh)
	}()
	return errCh
}

// Wait blocks until all started work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}
