// Package metrics keeps process-local rolling statistics about assistant runs.
package metrics

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds each sample window.
	DefaultCapacity = 200
	// Window is how far back samples count towards aggregates.
	Window = 24 * time.Hour
)

// MessageSample describes one completed assistant message.
type MessageSample struct {
	FirstTokenLatencyMs float64
	TokensPerSec        float64
	RecordedAt          time.Time
}

// Aggregate is the rolling summary returned by Aggregator.Snapshot.
type Aggregate struct {
	AvgFirstTokenLatencyMs *float64 `json:"avg_first_token_latency_ms"`
	AvgTokensPerSec        *float64 `json:"avg_tokens_per_sec"`
	ErrorRate24h           float64  `json:"error_rate_24h"`
	MessageSamples         int      `json:"message_samples"`
	ErrorSamples           int      `json:"error_samples"`
}

// Aggregator holds two bounded sample windows, one for completed messages and
// one for errors. Samples older than Window are ignored at read time even if
// they are still inside the count bound.
type Aggregator struct {
	mu       sync.Mutex
	messages *ring[MessageSample]
	errors   *ring[time.Time]
	now      func() time.Time
	exporter *Exporter
}

// NewAggregator creates an aggregator keeping capacity samples per window.
// A nil exporter disables Prometheus export.
func NewAggregator(capacity int, exporter *Exporter) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		messages: newRing[MessageSample](capacity),
		errors:   newRing[time.Time](capacity),
		now:      time.Now,
		exporter: exporter,
	}
}

// SetClock overrides the time source. Used by tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// RecordMessage stores a completed-message sample. A zero RecordedAt is
// stamped with the current time.
func (a *Aggregator) RecordMessage(sample MessageSample) {
	a.mu.Lock()
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = a.now()
	}
	a.messages.push(sample)
	a.mu.Unlock()

	a.exporter.observeMessage(sample)
}

// RecordError stores an error sample at the current time.
func (a *Aggregator) RecordError() {
	a.mu.Lock()
	a.errors.push(a.now())
	a.mu.Unlock()

	a.exporter.observeError()
}

// ObserveRun counts a finished run by outcome in the exporter.
func (a *Aggregator) ObserveRun(outcome string) {
	a.exporter.ObserveRun(outcome)
}

// Snapshot aggregates the samples recorded within the last 24 hours.
//
// The error rate divides by the message count floored at one, so it reads as
// errors per completed message and is 0 when nothing was recorded.
func (a *Aggregator) Snapshot() Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-Window)

	var latencySum, rateSum float64
	messages := 0
	a.messages.each(func(s MessageSample) {
		if s.RecordedAt.Before(cutoff) {
			return
		}
		messages++
		latencySum += s.FirstTokenLatencyMs
		rateSum += s.TokensPerSec
	})

	errors := 0
	a.errors.each(func(at time.Time) {
		if !at.Before(cutoff) {
			errors++
		}
	})

	agg := Aggregate{MessageSamples: messages, ErrorSamples: errors}
	if messages > 0 {
		latency := math.Round(latencySum / float64(messages))
		rate := round2(rateSum / float64(messages))
		agg.AvgFirstTokenLatencyMs = &latency
		agg.AvgTokensPerSec = &rate
	}
	agg.ErrorRate24h = round2(math.Min(float64(errors)/math.Max(float64(messages), 1), 1))
	return agg
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ring is a fixed-capacity FIFO that evicts its oldest entry when full.
type ring[T any] struct {
	items []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
}

func (r *ring[T]) each(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.items[(r.start+i)%len(r.items)])
	}
}

func (r *ring[T]) len() int {
	return r.size
}
