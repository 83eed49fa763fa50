package proxy

import (
	"sync"
	"time"
)

// Stats counts gateway traffic for observability and cost estimation.
type Stats struct {
	mu                 sync.Mutex
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	estimatedBytes     int64
	lastRequestAt      time.Time
}

// StatsSnapshot is a point-in-time copy of the gateway counters.
type StatsSnapshot struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	EstimatedBytes     int64     `json:"estimated_bytes"`
	EstimatedCostUSD   float64   `json:"estimated_cost_usd"`
	LastRequestAt      time.Time `json:"last_request_at"`
}

func (s *Stats) record(ok bool, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	if ok {
		s.successfulRequests++
	} else {
		s.failedRequests++
	}
	s.estimatedBytes += bytes
	s.lastRequestAt = time.Now()
}

// Snapshot returns the counters with the cost estimate for costPerGB.
func (s *Stats) Snapshot(costPerGB float64) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		TotalRequests:      s.totalRequests,
		SuccessfulRequests: s.successfulRequests,
		FailedRequests:     s.failedRequests,
		EstimatedBytes:     s.estimatedBytes,
		EstimatedCostUSD:   float64(s.estimatedBytes) / (1 << 30) * costPerGB,
		LastRequestAt:      s.lastRequestAt,
	}
}
