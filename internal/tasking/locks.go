package tasking

import (
	"sync"

	"github.com/google/uuid"
)

// taskLocks serialises mutations of one Task. Entries are dropped once no
// goroutine holds or waits for them.
type taskLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*taskLock
}

type taskLock struct {
	sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[uuid.UUID]*taskLock)}
}

func (l *taskLocks) lock(id uuid.UUID) (unlock func()) {
	l.mu.Lock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
