package ratelimit

import (
	"time"

	"github.com/ashureev/adstudio/internal/domain"
)

// TargetLatency is the response time that still earns a full score sample.
const TargetLatency = 5 * time.Second

// smoothing weights the newest sample in the performance score.
const smoothing = 0.2

// Observe records the outcome of one backend request on h.
func Observe(h *domain.Health, ok bool, latency time.Duration, now time.Time) {
	h.LastHeartbeat = now
	h.Requests++
	if !ok {
		h.Failures++
	}
	h.ErrorRate = float64(h.Failures) / float64(h.Requests)

	sample := 0.0
	if ok {
		sample = 1
		if latency > TargetLatency {
			sample = float64(TargetLatency) / float64(latency)
		}
	}
	if h.Requests == 1 {
		h.PerformanceScore = sample
		return
	}
	h.PerformanceScore = (1-smoothing)*h.PerformanceScore + smoothing*sample
}
