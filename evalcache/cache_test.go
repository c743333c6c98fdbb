package evalcache

import (
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportkit/reportkit"
	"github.com/reportkit/reportkit/bytecode"
	"github.com/reportkit/reportkit/scope"
	"github.com/reportkit/reportkit/vm"
)

func testUnit(t *testing.T, name string) *vm.Unit {
	t.Helper()

	a := bytecode.NewAssembler(name)
	a.Emit(bytecode.OpConst, uint32(a.Const(reportkit.Int(1))))
	a.Emit(bytecode.OpReturn, 0)
	p, err := a.Program()
	require.NoError(t, err)

	u, err := vm.Link(p, nil, func(string) (reportkit.HostFunc, error) {
		t.Fatal("unexpected symbol resolution")
		return nil, nil
	})
	require.NoError(t, err)
	return u
}

func TestCache_GetPut(t *testing.T) {
	c := newCache(NewCacheMetrics())
	sc := scope.New()
	now := time.Now()

	assert.Nil(t, c.get(sc, "Expr1", now))

	u1 := testUnit(t, "Expr1")
	e := c.put(sc, "Expr1", u1, now)
	require.NotNil(t, e)
	assert.Same(t, u1, e.unit)

	got := c.get(sc, "Expr1", now.Add(time.Second))
	require.NotNil(t, got)
	assert.Same(t, u1, got.unit)
	assert.Equal(t, now.Add(time.Second), got.lastUsed)

	// A second put for the same name silently replaces.
	u2 := testUnit(t, "Expr1")
	c.put(sc, "Expr1", u2, now)
	assert.Same(t, u2, c.get(sc, "Expr1", now).unit)

	rows, units := c.stats()
	assert.Equal(t, 1, rows)
	assert.Equal(t, 1, units)
}

func TestCache_ScopePartitioning(t *testing.T) {
	c := newCache(NewCacheMetrics())
	s1, s2 := scope.New(), scope.New()
	now := time.Now()

	u1 := testUnit(t, "Expr1")
	u2 := testUnit(t, "Expr1")
	c.put(s1, "Expr1", u1, now)
	c.put(s2, "Expr1", u2, now)

	assert.Same(t, u1, c.get(s1, "Expr1", now).unit)
	assert.Same(t, u2, c.get(s2, "Expr1", now).unit)

	rows, units := c.stats()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 2, units)
}

func TestCache_SweepIdle(t *testing.T) {
	c := newCache(NewCacheMetrics())
	sc := scope.New()
	now := time.Now()

	c.put(sc, "old", testUnit(t, "old"), now)
	c.put(sc, "fresh", testUnit(t, "fresh"), now.Add(10*time.Minute))

	evicted := c.sweep(now.Add(15*time.Minute), 10*time.Minute, 0)
	assert.Equal(t, 1, evicted)
	assert.Nil(t, c.get(sc, "old", now))
	assert.NotNil(t, c.get(sc, "fresh", now))
}

func TestCache_SweepSkipsLeased(t *testing.T) {
	c := newCache(NewCacheMetrics())
	sc := scope.New()
	now := time.Now()

	e := c.put(sc, "Expr1", testUnit(t, "Expr1"), now)
	lease := e.acquire()

	assert.Equal(t, 0, c.sweep(now.Add(time.Hour), time.Minute, 0))
	assert.NotNil(t, c.get(sc, "Expr1", now))

	lease.Release()
	lease.Release() // idempotent

	assert.Equal(t, 1, c.sweep(now.Add(2*time.Hour), time.Minute, 0))
	assert.Nil(t, c.get(sc, "Expr1", now))
}

func TestCache_SweepTrimsToCap(t *testing.T) {
	c := newCache(NewCacheMetrics())
	sc := scope.New()
	now := time.Now()

	c.put(sc, "a", testUnit(t, "a"), now)
	c.put(sc, "b", testUnit(t, "b"), now.Add(time.Second))
	c.put(sc, "c", testUnit(t, "c"), now.Add(2*time.Second))

	// Nothing is idle, but the cap forces the two least recently used out.
	evicted := c.sweep(now.Add(3*time.Second), time.Hour, 1)
	assert.Equal(t, 2, evicted)
	assert.Nil(t, c.get(sc, "a", now))
	assert.Nil(t, c.get(sc, "b", now))
	assert.NotNil(t, c.get(sc, "c", now))
}

func TestCache_SweepRemovesEmptyRows(t *testing.T) {
	c := newCache(NewCacheMetrics())
	sc := scope.New()
	now := time.Now()

	c.put(sc, "Expr1", testUnit(t, "Expr1"), now)
	c.sweep(now.Add(time.Hour), time.Minute, 0)

	rows, units := c.stats()
	assert.Equal(t, 0, rows)
	assert.Equal(t, 0, units)

	// The row comes back on the next put.
	c.put(sc, "Expr1", testUnit(t, "Expr1"), now)
	rows, _ = c.stats()
	assert.Equal(t, 1, rows)
}

func TestCache_DropRow(t *testing.T) {
	c := newCache(NewCacheMetrics())
	sc := scope.New()
	now := time.Now()

	c.put(sc, "Expr1", testUnit(t, "Expr1"), now)
	key := weak.Make(sc)

	c.dropRow(key)
	rows, units := c.stats()
	assert.Equal(t, 0, rows)
	assert.Equal(t, 0, units)

	// Dropping again is a no-op.
	c.dropRow(key)
}
