// Package evalcache loads compiled report evaluator artifacts and memoizes
// the loaded units per isolation scope, so that repeated requests for the
// same named unit skip decoding and linking. Scopes are held weakly; cached
// units of a still-live scope are reclaimed by a periodic sweep once idle.
package evalcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/reportkit/reportkit/bytecode"
	"github.com/reportkit/reportkit/kit/errors"
	"github.com/reportkit/reportkit/scope"
	"github.com/reportkit/reportkit/vm"
)

// Service runs the obtain pipeline: cache lookup under the caller's scope,
// artifact normalization and loading on a miss, pinning, and evaluator
// construction. The pipeline is synchronous on the caller's goroutine; only
// the sweeper runs in the background.
type Service struct {
	config  Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *CacheMetrics
	cache   *cache

	// fallback is the sentinel scope shared by every caller whose context
	// carries none. The service holds it strongly so its row is never
	// dropped by scope collection.
	fallback *scope.Scope

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService returns a service with the given configuration.
func NewService(c Config) *Service {
	s := &Service{
		config:   c,
		log:      zap.NewNop(),
		clock:    clock.New(),
		metrics:  NewCacheMetrics(),
		fallback: scope.New(),
	}
	s.cache = newCache(s.metrics)
	return s
}

// WithLogger sets the logger for the service.
func (s *Service) WithLogger(log *zap.Logger) {
	s.log = log.With(zap.String("service", "evalcache"))
}

// WithClock replaces the service's wall clock. Intended for tests.
func (s *Service) WithClock(c clock.Clock) {
	s.clock = c
}

// DefaultScope returns the sentinel scope used by callers without one of
// their own. Host functions for such callers are registered here.
func (s *Service) DefaultScope() *scope.Scope { return s.fallback }

// PrometheusCollectors exposes the cache metrics for registration.
func (s *Service) PrometheusCollectors() []prometheus.Collector {
	return s.metrics.PrometheusCollectors()
}

// Open validates the configuration and starts the background sweeper.
func (s *Service) Open(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}
	if err := s.config.Validate(); err != nil {
		return &errors.Error{Code: errors.EInvalid, Op: "evalcache.Open", Err: err}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	if s.config.SweepInterval > 0 {
		s.log.Info("Starting evaluator cache",
			zap.Duration("sweep_interval", time.Duration(s.config.SweepInterval)),
			zap.Duration("idle_timeout", time.Duration(s.config.IdleTimeout)),
			zap.Bool("pin_enabled", s.config.PinEnabled))

		s.wg.Add(1)
		go s.runSweeper(ctx)
	}
	return nil
}

// Close stops the sweeper. Cached units are dropped with the service.
func (s *Service) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	return nil
}

func (s *Service) runSweeper(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(time.Duration(s.config.SweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug("Swept idle evaluator units", zap.Int("evicted", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep reclaims idle, unleased units immediately and returns the number
// evicted.
func (s *Service) Sweep() int {
	n := s.cache.sweep(s.clock.Now(), time.Duration(s.config.IdleTimeout), s.config.MaxUnitsPerScope)
	if n > 0 {
		s.metrics.Evictions.Add(float64(n))
	}
	return n
}

// CacheStats is a point-in-time size snapshot of the cache.
type CacheStats struct {
	Rows  int
	Units int
}

// Stats returns the current cache size.
func (s *Service) Stats() CacheStats {
	rows, units := s.cache.stats()
	return CacheStats{Rows: rows, Units: units}
}

// ObtainEvaluator returns a fresh evaluator for the named unit, loading and
// caching the artifact on first use within the caller's scope. The scope is
// taken from ctx; callers without one share the sentinel scope. data is the
// compile data for the unit and is ignored if the unit is already cached.
func (s *Service) ObtainEvaluator(ctx context.Context, name string, data interface{}) (*vm.Evaluator, error) {
	return s.obtain(scope.FromContext(ctx), name, data)
}

// ObtainEvaluatorInScope is ObtainEvaluator with an explicit scope. A nil
// scope selects the sentinel scope.
func (s *Service) ObtainEvaluatorInScope(sc *scope.Scope, name string, data interface{}) (*vm.Evaluator, error) {
	return s.obtain(sc, name, data)
}

func (s *Service) obtain(sc *scope.Scope, name string, data interface{}) (*vm.Evaluator, error) {
	if sc == nil {
		sc = s.fallback
	}

	var unit *vm.Unit
	e := s.cache.get(sc, name, s.clock.Now())
	if e != nil {
		s.metrics.Hits.Inc()
		unit = e.unit
	} else {
		s.metrics.Misses.Inc()

		set, err := bytecode.Normalize(name, data)
		if err != nil {
			return nil, err
		}

		// Decoding and linking run outside the cache lock. Two callers
		// missing the same name may both load; the later put wins and the
		// loser keeps using its own freshly loaded unit.
		unit, err = load(name, set, sc)
		if err != nil {
			s.metrics.LoadFailures.Inc()
			return nil, err
		}
		s.metrics.Loads.Inc()

		e = s.cache.put(sc, name, unit, s.clock.Now())
		s.log.Debug("Loaded evaluator unit",
			zap.String("name", name),
			zap.String("scope", sc.ID()),
			zap.Int("set_units", set.Len()))
	}

	if s.config.PinEnabled {
		lease := e.acquire()
		defer lease.Release()
	}

	ev, err := unit.NewEvaluator()
	if err != nil {
		return nil, &errors.Error{
			Code: errors.EConstruction,
			Msg:  fmt.Sprintf("constructing evaluator %q", name),
			Op:   "evalcache.ObtainEvaluator",
			Err:  err,
		}
	}
	return ev, nil
}
