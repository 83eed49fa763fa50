package resilience

import (
	"strings"
	"sync"
)

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// ErrorSink collects per-entity failures during a stage without aborting
// it, and renders a bounded job-level message. Full detail stays on the
// staging rows; the sink only feeds Job.lastError.
type ErrorSink struct {
	mu      sync.Mutex
	count   int
	entries []string
	maxLen  int
}

// NewErrorSink returns a sink whose rendered message is capped at maxLen
// characters (0 means the 2000-character default).
func NewErrorSink(maxLen int) *ErrorSink {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &ErrorSink{maxLen: maxLen}
}

// Add records one failure keyed by the entity it concerns. Each entry
// carries its ClassifyError verdict so the job-level message tells the
// operator whether a resume is worth trying.
func (s *ErrorSink) Add(key string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.entries = append(s.entries, key+" ("+ClassifyError(err)+"): "+err.Error())
}

// Count returns the number of recorded failures.
func (s *ErrorSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Message renders the failures joined by "; ", truncated to the cap with
// an ellipsis when entries overflow it. Empty when nothing failed.
func (s *ErrorSink) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return ""
	}
	msg := strings.Join(s.entries, "; ")
	if len(msg) > s.maxLen {
		msg = msg[:s.maxLen-3] + "..."
	}
	return msg
}
