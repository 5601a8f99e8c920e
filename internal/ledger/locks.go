package ledger

import (
	"context"
	"sync"
	"time"
)

// accountLocks hands out one-slot semaphores keyed by account identifier.
// A holder has exclusive ownership of the account for the lifetime of one
// posting; waiters give up after the configured wait bound.
type accountLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newAccountLocks() *accountLocks {
	return &accountLocks{slots: make(map[string]chan struct{})}
}

func (l *accountLocks) slot(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[id] = s
	}
	return s
}

// acquire blocks until the slot is free, the wait bound elapses (ErrBusy),
// or ctx ends.
func (l *accountLocks) acquire(ctx context.Context, id string, wait time.Duration) error {
	s := l.slot(id)
	select {
	case s <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *accountLocks) release(id string) {
	<-l.slot(id)
}

// acquireAll takes every slot in the given order, backing out already held
// slots when any acquisition fails.
func (l *accountLocks) acquireAll(ctx context.Context, ids []string, wait time.Duration) (func(), error) {
	held := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := l.acquire(ctx, id, wait); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				l.release(held[i])
			}
			return nil, err
		}
		held = append(held, id)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}, nil
}
