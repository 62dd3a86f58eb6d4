package repository

import (
	"math"
	"time"

	"github.com/none34829/freya-1/internal/domain"
)

// errorWindow bounds the per-session error rate.
const errorWindow = 24 * time.Hour

// ComputeSessionMetrics derives session metrics from messages in creation order.
//
// First-token latency pairs each assistant message with the most recent user
// message created at or before it. Throughput averages stored token rates.
// The error rate covers assistant messages created within the last 24 hours
// and is nil when there are none.
func ComputeSessionMetrics(messages []domain.Message, now time.Time) *domain.SessionMetrics {
	var (
		latencySum   float64
		latencyCount int
		rateSum      float64
		rateCount    int
		recent       int
		recentErrors int
		lastUser     *domain.Message
	)

	cutoff := now.Add(-errorWindow)
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case domain.RoleUser:
			if lastUser == nil || !msg.CreatedAt.Before(lastUser.CreatedAt) {
				lastUser = msg
			}
		case domain.RoleAssistant:
			if lastUser != nil && msg.FirstTokenAt != nil && !lastUser.CreatedAt.After(msg.CreatedAt) {
				latency := msg.FirstTokenAt.Sub(lastUser.CreatedAt)
				// a first token stamped before its prompt is clock skew
				if latency >= 0 {
					latencySum += float64(latency.Milliseconds())
					latencyCount++
				}
			}
			if msg.TokenRate != nil {
				rateSum += *msg.TokenRate
				rateCount++
			}
			if !msg.CreatedAt.Before(cutoff) {
				recent++
				if msg.Error != "" {
					recentErrors++
				}
			}
		}
	}

	metrics := &domain.SessionMetrics{}
	if latencyCount > 0 {
		v := math.Round(latencySum / float64(latencyCount))
		metrics.AvgFirstTokenLatencyMs = &v
	}
	if rateCount > 0 {
		v := round2(rateSum / float64(rateCount))
		metrics.AvgTokensPerSec = &v
	}
	if recent > 0 {
		v := round2(float64(recentErrors) / float64(recent))
		metrics.ErrorRate24h = &v
	}
	return metrics
}
