package engine

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per submission key. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type keyLocks struct {
	m *xsync.MapOf[string, *keyLock]
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: xsync.NewMapOf[string, *keyLock]()}
}

func (l *keyLocks) Lock(key string) (unlock func()) {
	kl, _ := l.m.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{}
		}
		old.refs++
		return old, false
	})
	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.m.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
			old.refs--
			return old, old.refs <= 0
		})
	}
}

func (l *keyLocks) Size() int {
	return l.m.Size()
}
