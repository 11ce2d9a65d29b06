package simulator

import (
	"fmt"
	"sync"
)

// AggregateTargetID is the target id of the aggregate status of a run.
const AggregateTargetID = "Total"

// SendStatus counts the outcomes of the sends expected for one target.
//
// Counters only ever grow and succeeded+failed never exceeds total. A run's aggregation
// goroutine is the only writer; the mutex exists so UI polling can take snapshots.
type SendStatus struct {
	mu        sync.RWMutex
	targetID  string
	total     int
	sent      int
	succeeded int
	failed    int
}

// StatusSnapshot is a point-in-time copy of a SendStatus.
type StatusSnapshot struct {
	TargetID  string `json:"targetId"`
	Sent      int    `json:"sent"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
}

// NewSendStatus creates the counters for targetID expecting total sends.
func NewSendStatus(targetID string, total int) (*SendStatus, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: negative total %d for %s", ErrInvalidInput, total, targetID)
	}
	return &SendStatus{targetID: targetID, total: total}, nil
}

func (s *SendStatus) TargetID() string { return s.targetID }

func (s *SendStatus) Total() int { return s.total }

// RecordSent counts one initiated send.
func (s *SendStatus) RecordSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent < s.total {
		s.sent++
	}
}

// RecordSuccess counts one successful send.
func (s *SendStatus) RecordSuccess() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.succeeded+s.failed >= s.total {
		return fmt.Errorf("%w: %s", ErrStatusOverflow, s.targetID)
	}
	s.succeeded++
	return nil
}

// RecordFailure counts one failed send.
func (s *SendStatus) RecordFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.succeeded+s.failed >= s.total {
		return fmt.Errorf("%w: %s", ErrStatusOverflow, s.targetID)
	}
	s.failed++
	return nil
}

// IsComplete reports whether every expected send has an outcome.
func (s *SendStatus) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.succeeded+s.failed == s.total
}

// Remaining is the number of expected sends without an outcome yet.
func (s *SendStatus) Remaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total - s.succeeded - s.failed
}

func (s *SendStatus) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusSnapshot{
		TargetID:  s.targetID,
		Sent:      s.sent,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Total:     s.total,
	}
}

// Settled is the number of sends with an outcome.
func (s StatusSnapshot) Settled() int { return s.Succeeded + s.Failed }

// Summary renders the human readable terminal feedback of a run.
func (s StatusSnapshot) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed out of %d", s.Succeeded, s.Failed, s.Total)
}
