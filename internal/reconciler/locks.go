package reconciler

import (
	"sync"
)

// streamLocks serializes reconciliation per stream id within this process.
// The database row lock is the real guard across processes; this keeps
// concurrent webhook deliveries for the same stream from piling up on the
// database and makes the serialization point explicit.
type streamLocks struct {
	mu    sync.Mutex
	locks map[int64]*streamLockEntry
}

type streamLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newStreamLocks() *streamLocks {
	return &streamLocks{locks: make(map[int64]*streamLockEntry)}
}

// Lock acquires the per-stream mutex and returns its release function
func (l *streamLocks) Lock(streamID int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[streamID]
	if !ok {
		entry = &streamLockEntry{}
		l.locks[streamID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, streamID)
		}
		l.mu.Unlock()
	}
}
