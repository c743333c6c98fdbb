package evalcache

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/reportkit/reportkit/scope"
	"github.com/reportkit/reportkit/vm"
)

// entry is one cached loaded unit plus its retention bookkeeping.
type entry struct {
	unit     *vm.Unit
	refs     atomic.Int32 // active pin leases
	lastUsed time.Time    // guarded by the cache lock
}

func (e *entry) pinned() bool { return e.refs.Load() > 0 }

// row maps artifact names to loaded units for one scope.
type row struct {
	units map[string]*entry
}

// cache is the two-level scope → name → unit mapping. Scope keys are weak:
// a runtime cleanup drops the whole row once the scope is unreachable from
// anywhere else. All map access runs under one lock shared by all scopes;
// decoding and linking happen outside it.
type cache struct {
	mu      sync.Mutex
	rows    map[weak.Pointer[scope.Scope]]*row
	metrics *CacheMetrics
}

func newCache(metrics *CacheMetrics) *cache {
	return &cache{
		rows:    make(map[weak.Pointer[scope.Scope]]*row),
		metrics: metrics,
	}
}

// get returns the cached entry for (sc, name), refreshing its last-use
// instant, or nil on a miss.
func (c *cache) get(sc *scope.Scope, name string, now time.Time) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.rows[weak.Make(sc)]
	if r == nil {
		return nil
	}
	e := r.units[name]
	if e == nil {
		return nil
	}
	e.lastUsed = now
	return e
}

// put inserts or silently replaces the entry for (sc, name) and returns it.
// The row is created on first use and registered for cleanup when sc is
// collected.
func (c *cache) put(sc *scope.Scope, name string, unit *vm.Unit, now time.Time) *entry {
	key := weak.Make(sc)

	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.rows[key]
	if r == nil {
		r = &row{units: make(map[string]*entry)}
		c.rows[key] = r
		runtime.AddCleanup(sc, c.dropRow, key)
	}
	e := &entry{unit: unit, lastUsed: now}
	if _, replacing := r.units[name]; !replacing {
		c.metrics.Units.Inc()
	}
	r.units[name] = e
	return e
}

// dropRow removes the row of a collected scope. It runs on the runtime's
// cleanup goroutine and is idempotent.
func (c *cache) dropRow(key weak.Pointer[scope.Scope]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rows[key]
	if !ok {
		return
	}
	delete(c.rows, key)
	c.metrics.RowsDropped.Inc()
	c.metrics.Units.Sub(float64(len(r.units)))
}

// sweep reclaims unleased entries idle for at least idle, then trims each
// row to maxPerRow starting from the least recently used. Rows left empty
// are removed. Returns the number of evicted units.
func (c *cache) sweep(now time.Time, idle time.Duration, maxPerRow int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, r := range c.rows {
		for name, e := range r.units {
			if e.pinned() {
				continue
			}
			if now.Sub(e.lastUsed) >= idle {
				delete(r.units, name)
				evicted++
			}
		}

		if maxPerRow > 0 && len(r.units) > maxPerRow {
			type candidate struct {
				name string
				last time.Time
			}
			var cands []candidate
			for name, e := range r.units {
				if !e.pinned() {
					cands = append(cands, candidate{name, e.lastUsed})
				}
			}
			sort.Slice(cands, func(i, j int) bool {
				return cands[i].last.Before(cands[j].last)
			})
			for _, cd := range cands {
				if len(r.units) <= maxPerRow {
					break
				}
				delete(r.units, cd.name)
				evicted++
			}
		}

		if len(r.units) == 0 {
			delete(c.rows, key)
		}
	}

	if evicted > 0 {
		c.metrics.Units.Sub(float64(evicted))
	}
	return evicted
}

// stats returns the current row and unit counts.
func (c *cache) stats() (rows, units int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows = len(c.rows)
	for _, r := range c.rows {
		units += len(r.units)
	}
	return rows, units
}
