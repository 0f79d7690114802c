package synchronizer

import "sync"

// runLocks serializes runs by scope. An untenanted run holds every tenant; a
// tenant run holds only its own tenant but still excludes the untenanted run.
type runLocks struct {
	mu      sync.Mutex
	all     bool
	tenants map[string]struct{}
}

func newRunLocks() *runLocks {
	return &runLocks{tenants: make(map[string]struct{})}
}

// acquire returns a release func, or false when the scope is held.
func (l *runLocks) acquire(tenant string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.all {
		return nil, false
	}
	if tenant == "" {
		if len(l.tenants) > 0 {
			return nil, false
		}
		l.all = true
		return func() {
			l.mu.Lock()
			l.all = false
			l.mu.Unlock()
		}, true
	}
	if _, held := l.tenants[tenant]; held {
		return nil, false
	}
	l.tenants[tenant] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.tenants, tenant)
		l.mu.Unlock()
	}, true
}

// active reports whether a run covering tenant is in flight.
func (l *runLocks) active(tenant string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.all {
		return true
	}
	_, held := l.tenants[tenant]
	return held
}
