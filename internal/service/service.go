package service

import (
	"context"
	"sync"
	"time"

	"github.com/none34829/freya-1/internal/adapter/llm"
	"github.com/none34829/freya-1/internal/adapter/speech"
	"github.com/none34829/freya-1/internal/config"
	"github.com/none34829/freya-1/internal/hub"
	"github.com/none34829/freya-1/internal/metrics"
	"github.com/none34829/freya-1/internal/repository"
)

const (
	defaultHistoryLimit = 30
	defaultRunTimeout   = 5 * time.Minute
)

type Service struct {
	store       repository.Store
	source      llm.CompletionSource
	synthesizer speech.Synthesizer
	hub         *hub.Hub
	metrics     *metrics.Aggregator
	config      *config.Config
	now         func() time.Time

	// sessions with an assistant run in flight
	mu       sync.Mutex
	inflight map[string]struct{}
	runs     sync.WaitGroup
}

// New creates the service. synthesizer may be nil to disable speech.
func New(store repository.Store, source llm.CompletionSource, synthesizer speech.Synthesizer, h *hub.Hub, agg *metrics.Aggregator, cfg *config.Config) *Service {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if agg == nil {
		agg = metrics.NewAggregator(metrics.DefaultCapacity, nil)
	}
	return &Service{
		store:       store,
		source:      source,
		synthesizer: synthesizer,
		hub:         h,
		metrics:     agg,
		config:      cfg,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Hub returns the broadcast hub runs publish to.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Wait blocks until every in-flight run has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) historyLimit() int {
	if s.config.HistoryLimit > 0 {
		return s.config.HistoryLimit
	}
	return defaultHistoryLimit
}

func (s *Service) runTimeout() time.Duration {
	if s.config.RunTimeout > 0 {
		return s.config.RunTimeout
	}
	return defaultRunTimeout
}

// acquire marks sessionID as running. It returns false when a run is already
// in flight for it.
func (s *Service) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[sessionID]; busy {
		return false
	}
	s.inflight[sessionID] = struct{}{}
	return true
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	delete(s.inflight, sessionID)
	s.mu.Unlock()
}

// Running reports whether sessionID has an assistant run in flight.
func (s *Service) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inflight[sessionID]
	return busy
}
