package evalcache_test

import (
	"context"
	stderrors "errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportkit/reportkit"
	"github.com/reportkit/reportkit/bytecode"
	"github.com/reportkit/reportkit/evalcache"
	"github.com/reportkit/reportkit/kit/errors"
	"github.com/reportkit/reportkit/scope"
)

// constBlob encodes a unit that evaluates to v.
func constBlob(t *testing.T, name string, v reportkit.Value) []byte {
	t.Helper()
	a := bytecode.NewAssembler(name)
	a.Emit(bytecode.OpConst, uint32(a.Const(v)))
	a.Emit(bytecode.OpReturn, 0)
	p, err := a.Program()
	require.NoError(t, err)
	data, err := bytecode.Encode(p)
	require.NoError(t, err)
	return data
}

// hostBlob encodes a unit whose init section stores the result of calling
// symbol into a global, which the code section returns.
func hostBlob(t *testing.T, name, symbol string) []byte {
	t.Helper()
	a := bytecode.NewAssembler(name)
	g := a.Global(1)
	a.EmitInitCall(bytecode.OpCallHost, a.Symbol(symbol), 0)
	a.EmitInit(bytecode.OpStoreGlobal, uint32(g))
	a.Emit(bytecode.OpLoadGlobal, uint32(g))
	a.Emit(bytecode.OpReturn, 0)
	p, err := a.Program()
	require.NoError(t, err)
	data, err := bytecode.Encode(p)
	require.NoError(t, err)
	return data
}

func obtainValue(t *testing.T, svc *evalcache.Service, sc *scope.Scope, name string, data interface{}) reportkit.Value {
	t.Helper()
	ev, err := svc.ObtainEvaluatorInScope(sc, name, data)
	require.NoError(t, err)
	v, err := ev.Evaluate(nil)
	require.NoError(t, err)
	return v
}

func TestObtainEvaluator_CachesPerScopeAndName(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())
	s1, s2 := scope.New(), scope.New()

	blobA := constBlob(t, "Expr1", reportkit.Int(1))
	blobB := constBlob(t, "Expr1", reportkit.Int(2))

	// First request loads blobA.
	v := obtainValue(t, svc, s1, "Expr1", blobA)
	assert.Equal(t, int64(1), v.AsInt())

	// Same scope and name: blobB is ignored, the cached unit is reused.
	v = obtainValue(t, svc, s1, "Expr1", blobB)
	assert.Equal(t, int64(1), v.AsInt())

	// A different scope loads independently.
	v = obtainValue(t, svc, s2, "Expr1", blobB)
	assert.Equal(t, int64(2), v.AsInt())

	stats := svc.Stats()
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, 2, stats.Units)
}

func TestObtainEvaluator_FreshEvaluatorPerCall(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())
	sc := scope.New()
	blob := constBlob(t, "Expr1", reportkit.Int(1))

	ev1, err := svc.ObtainEvaluatorInScope(sc, "Expr1", blob)
	require.NoError(t, err)
	ev2, err := svc.ObtainEvaluatorInScope(sc, "Expr1", nil)
	require.NoError(t, err)
	assert.NotSame(t, ev1, ev2)
}

func TestObtainEvaluator_ScopeFromContext(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())
	sc := scope.New()

	blobA := constBlob(t, "Expr1", reportkit.Int(1))
	blobB := constBlob(t, "Expr1", reportkit.Int(2))

	ctx := scope.NewContextWithScope(context.Background(), sc)
	ev, err := svc.ObtainEvaluator(ctx, "Expr1", blobA)
	require.NoError(t, err)
	v, err := ev.Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.AsInt())

	// A context without a scope uses the shared sentinel scope: separate
	// row, independent load.
	ev, err = svc.ObtainEvaluator(context.Background(), "Expr1", blobB)
	require.NoError(t, err)
	v, err = ev.Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.AsInt())

	// And the sentinel row is itself cached.
	ev, err = svc.ObtainEvaluator(context.Background(), "Expr1", blobA)
	require.NoError(t, err)
	v, err = ev.Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.AsInt())
}

func TestObtainEvaluator_UnsupportedData(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())

	for _, data := range []interface{}{nil, 42, "select *"} {
		_, err := svc.ObtainEvaluatorInScope(nil, "Expr1", data)
		require.Error(t, err, "shape %T", data)
		assert.Equal(t, errors.EUnsupportedData, errors.ErrorCode(err))
	}

	// Nothing was loaded or cached.
	assert.Equal(t, 0, svc.Stats().Units)
}

func TestObtainEvaluator_MalformedArtifact(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())

	_, err := svc.ObtainEvaluatorInScope(nil, "Expr1", []byte("not an artifact"))
	require.Error(t, err)
	assert.Equal(t, errors.EMalformedArtifact, errors.ErrorCode(err))
	assert.Equal(t, 0, svc.Stats().Units)
}

func TestObtainEvaluator_LoadRejected(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())

	t.Run("unit refused by policy", func(t *testing.T) {
		sc := scope.New(scope.WithPolicy(scope.PolicyFunc(func(name string) bool {
			return name != "Expr1"
		})))
		_, err := svc.ObtainEvaluatorInScope(sc, "Expr1", constBlob(t, "Expr1", reportkit.Int(1)))
		require.Error(t, err)
		assert.Equal(t, errors.ELoadRejected, errors.ErrorCode(err))
	})

	t.Run("symbol not visible", func(t *testing.T) {
		sc := scope.New()
		_, err := svc.ObtainEvaluatorInScope(sc, "Expr1", hostBlob(t, "Expr1", "MISSING"))
		require.Error(t, err)
		assert.Equal(t, errors.ELoadRejected, errors.ErrorCode(err))
		assert.Contains(t, err.Error(), `symbol "MISSING" not visible in scope`)
	})

	t.Run("symbol refused by policy", func(t *testing.T) {
		sc := scope.New(scope.WithPolicy(scope.PolicyFunc(func(name string) bool {
			return name != "SECRET"
		})))
		sc.RegisterFunc("SECRET", func([]reportkit.Value) (reportkit.Value, error) {
			return reportkit.Null(), nil
		})
		_, err := svc.ObtainEvaluatorInScope(sc, "Expr1", hostBlob(t, "Expr1", "SECRET"))
		require.Error(t, err)
		assert.Equal(t, errors.ELoadRejected, errors.ErrorCode(err))
	})
}

func TestObtainEvaluator_ConstructionFailureDoesNotPoisonCache(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())
	sc := scope.New()

	calls := 0
	sc.RegisterFunc("BOOT", func([]reportkit.Value) (reportkit.Value, error) {
		calls++
		if calls == 1 {
			return reportkit.Null(), stderrors.New("backend not ready")
		}
		return reportkit.Int(7), nil
	})

	blob := hostBlob(t, "Expr1", "BOOT")

	// The unit loads, but its init section fails on first construction.
	_, err := svc.ObtainEvaluatorInScope(sc, "Expr1", blob)
	require.Error(t, err)
	assert.Equal(t, errors.EConstruction, errors.ErrorCode(err))
	assert.Contains(t, err.Error(), `constructing evaluator "Expr1"`)
	assert.Contains(t, err.Error(), "backend not ready")

	// The loaded unit stays cached: the retry constructs from it without a
	// reload and succeeds.
	assert.Equal(t, 1, svc.Stats().Units)
	v := obtainValue(t, svc, sc, "Expr1", nil)
	assert.Equal(t, int64(7), v.AsInt())
	assert.Equal(t, 2, calls)
}

func TestObtainEvaluator_PinDisabled(t *testing.T) {
	config := evalcache.NewConfig()
	config.PinEnabled = false
	svc := evalcache.NewService(config)

	v := obtainValue(t, svc, nil, "Expr1", constBlob(t, "Expr1", reportkit.Str("ok")))
	assert.Equal(t, "ok", v.AsStr())
}

func TestObtainEvaluator_Concurrent(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())
	sc := scope.New()
	blob := constBlob(t, "Expr1", reportkit.Int(9))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := svc.ObtainEvaluatorInScope(sc, "Expr1", blob)
			assert.NoError(t, err)
			v, err := ev.Evaluate(nil)
			assert.NoError(t, err)
			assert.Equal(t, int64(9), v.AsInt())
		}()
	}
	wg.Wait()

	// Duplicated loads are possible, but only one unit stays cached.
	assert.Equal(t, 1, svc.Stats().Units)
}

func TestSweep_ReclaimsIdleUnits(t *testing.T) {
	mock := clock.NewMock()
	config := evalcache.NewConfig()
	config.IdleTimeout = evalcache.Duration(10 * time.Minute)

	svc := evalcache.NewService(config)
	svc.WithClock(mock)
	sc := scope.New()

	obtainValue(t, svc, sc, "Expr1", constBlob(t, "Expr1", reportkit.Int(1)))
	require.Equal(t, 1, svc.Stats().Units)

	// Not yet idle.
	mock.Add(5 * time.Minute)
	assert.Equal(t, 0, svc.Sweep())

	mock.Add(6 * time.Minute)
	assert.Equal(t, 1, svc.Sweep())
	assert.Equal(t, 0, svc.Stats().Units)

	// The next request transparently rebuilds, now from new data.
	v := obtainValue(t, svc, sc, "Expr1", constBlob(t, "Expr1", reportkit.Int(2)))
	assert.Equal(t, int64(2), v.AsInt())
}

func TestService_BackgroundSweeper(t *testing.T) {
	mock := clock.NewMock()
	config := evalcache.NewConfig()
	config.SweepInterval = evalcache.Duration(time.Minute)
	config.IdleTimeout = evalcache.Duration(time.Minute)

	svc := evalcache.NewService(config)
	svc.WithClock(mock)
	require.NoError(t, svc.Open(context.Background()))
	defer svc.Close()

	obtainValue(t, svc, nil, "Expr1", constBlob(t, "Expr1", reportkit.Int(1)))
	require.Equal(t, 1, svc.Stats().Units)

	require.Eventually(t, func() bool {
		mock.Add(2 * time.Minute)
		return svc.Stats().Units == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Close())
}

func TestService_OpenValidatesConfig(t *testing.T) {
	config := evalcache.NewConfig()
	config.IdleTimeout = 0

	svc := evalcache.NewService(config)
	err := svc.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestWeakScopeReclamation(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())
	blob := constBlob(t, "Expr1", reportkit.Int(1))

	func() {
		sc := scope.New()
		obtainValue(t, svc, sc, "Expr1", blob)
		require.Equal(t, 1, svc.Stats().Rows)
	}()

	// Once the scope is unreachable, its row must become collectible.
	require.Eventually(t, func() bool {
		runtime.GC()
		return svc.Stats().Rows == 0
	}, 10*time.Second, 10*time.Millisecond)

	// A distinct new scope gets its own row and an independent load.
	sc := scope.New()
	v := obtainValue(t, svc, sc, "Expr1", constBlob(t, "Expr1", reportkit.Int(2)))
	assert.Equal(t, int64(2), v.AsInt())
	assert.Equal(t, 1, svc.Stats().Rows)
	runtime.KeepAlive(sc)
}

func TestService_PrometheusCollectors(t *testing.T) {
	svc := evalcache.NewService(evalcache.NewConfig())
	assert.Len(t, svc.PrometheusCollectors(), 7)
}
