package storage

import (
	"context"
	"errors"
	"sync"
)

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is a per-lineage mutex for single-instance deployments.
// Slots are dropped once nobody holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*lockSlot)}
}

func (l *LocalLocker) Lock(ctx context.Context, bidID string) (func(), error) {
	slot := l.acquireSlot(bidID)

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(bidID, slot)
		return nil, errors.Join(ErrLockNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.releaseSlot(bidID, slot)
		})
	}, nil
}

func (l *LocalLocker) acquireSlot(bidID string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[bidID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[bidID] = slot
	}
	slot.refs++
	return slot
}

func (l *LocalLocker) releaseSlot(bidID string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, bidID)
	}
}
