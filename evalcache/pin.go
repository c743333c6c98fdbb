package evalcache

import "sync"

// Lease pins a cached unit against sweep reclamation while an evaluator is
// being instantiated from it. It is best-effort mitigation for in-use
// reclamation, not required for correctness: an unleased unit stays valid
// for as long as any caller still holds it.
type Lease struct {
	once sync.Once
	e    *entry
}

// acquire takes a lease on the entry. The caller must Release it.
func (e *entry) acquire() *Lease {
	e.refs.Add(1)
	return &Lease{e: e}
}

// Release frees the lease. It is safe to call multiple times.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.e.refs.Add(-1)
	})
}
