package latch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Await when the timeout elapses before the latch opens.
var ErrTimeout = errors.New("latch: wait timed out")

// Latch is the wake-up point of a transaction blocked in retry. Every Reset starts
// a new era; Open only has effect when it names the current era, so a wake-up that
// was registered for an older attempt can never release a newer one.
type Latch struct {
	mu     sync.Mutex
	era    uint64
	isOpen bool
	ch     chan struct{}
}

func New() *Latch {
	return &Latch{ch: make(chan struct{})}
}

func (l *Latch) Era() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.era
}

func (l *Latch) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOpen
}

// Open opens the latch if era is still the current one.
func (l *Latch) Open(era uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if era != l.era || l.isOpen {
		return
	}
	l.isOpen = true
	close(l.ch)
}

// Reset closes the latch and moves it to the next era.
func (l *Latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isOpen {
		l.ch = make(chan struct{})
		l.isOpen = false
	}
	l.era++
}

// Await blocks until the latch is opened for era, the timeout elapses or ctx is
// done. A negative timeout waits forever. The returned duration is what is left of
// the timeout.
func (l *Latch) Await(ctx context.Context, era uint64, timeout time.Duration) (time.Duration, error) {
	l.mu.Lock()
	if era != l.era || l.isOpen {
		l.mu.Unlock()
		return timeout, nil
	}
	ch := l.ch
	l.mu.Unlock()

	if timeout < 0 {
		select {
		case <-ch:
			return timeout, nil
		case <-ctx.Done():
			return timeout, ctx.Err()
		}
	}
	if timeout == 0 {
		return 0, ErrTimeout
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	remaining := func() time.Duration {
		if left := timeout - time.Since(start); left > 0 {
			return left
		}
		return 0
	}

	select {
	case <-ch:
		return remaining(), nil
	case <-timer.C:
		return 0, ErrTimeout
	case <-ctx.Done():
		return remaining(), ctx.Err()
	}
}
