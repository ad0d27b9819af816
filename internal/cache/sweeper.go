package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/metrics"
)

// Sweeper runs Cache.Sweep on a fixed interval.
type Sweeper struct {
	mu      sync.Mutex
	cache   *Cache
	every   time.Duration
	cron    *cron.Cron
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewSweeper creates a sweeper; it does nothing until Start.
func NewSweeper(c *Cache, every time.Duration, m *metrics.Metrics, log *zap.Logger) *Sweeper {
	if every <= 0 {
		every = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{cache: c, every: every, metrics: m, log: log}
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.every)
	if _, err := s.cron.AddFunc(spec, func() { s.metrics.Evicted(s.cache.Sweep()) }); err != nil {
		s.cron = nil
		return fmt.Errorf("schedule cache sweep %q: %w", spec, err)
	}
	s.cron.Start()
	s.log.Info("cache sweeper started", zap.Duration("every", s.every))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.log.Info("cache sweeper stopped")
}
