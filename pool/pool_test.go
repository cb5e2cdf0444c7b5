package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	p := New(2)
	var concurrent int32
	var maxConcurrent int32

	work := func(ctx context.Context) error {
		cur := atomic.AddInt32(&concurrent, 1)
		defer atomic.AddInt32(&concurrent, -1)
		for {
			curMax := atomic.LoadInt32(&maxConcurrent)
			if cur <= curMax || atomic.CompareAndSwapInt32(&maxConcurrent, curMax, cur) {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return nil
		}
	}

	var chans []<-chan error
	for i := 0; i < 5; i++ {
		chans = append(chans, p.Go(context.Background(), work))
	}
	for _, ch := range chans {
		if err := <-ch; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	p.Wait()

	if maxConcurrent > 2 {
		t.Fatalf("expected max concurrency <= 2, got %d", maxConcurrent)
	}
	if p.Size() != 2 {
		t.Fatalf("size %d", p.Size())
	}
}

func TestPoolGivesUpWaitingWhenContextEnds(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	first := p.Go(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	second := p.Go(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Wait()
	if ran {
		t.Fatal("work ran after its context ended")
	}
}

func TestPoolZeroSizeRunsSerially(t *testing.T) {
	if New(0).Size() != 1 {
		t.Fatal("expected size 1")
	}
}
