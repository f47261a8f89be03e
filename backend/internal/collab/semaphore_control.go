package collab

import (
	"context"
)

var MaxSemaphore int = 100

type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl n<=0 时使用 MaxSemaphore
func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrReleaseUnacquired
	}
}

// InUse 当前被占用的名额
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
