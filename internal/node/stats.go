package node

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats collects minimal in-memory per-operation counters surfaced by
// cmd=status.
type Stats struct {
	mu       sync.Mutex
	requests map[string]map[string]int64 // op -> status class -> count
	totalMs  map[string]int64

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{
		requests: make(map[string]map[string]int64),
		totalMs:  make(map[string]int64),
	}
}

// Record counts one finished operation.
func (s *Stats) Record(op string, status int, dur time.Duration) {
	if s == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	class := "0xx"
	if status > 0 {
		class = string([]byte{byte('0' + status/100), 'x', 'x'})
	}
	s.mu.Lock()
	byClass, ok := s.requests[op]
	if !ok {
		byClass = make(map[string]int64)
		s.requests[op] = byClass
	}
	byClass[class]++
	s.totalMs[op] += dur.Milliseconds()
	s.mu.Unlock()
}

// AddBytesIn counts request payload bytes.
func (s *Stats) AddBytesIn(n int64) {
	if s == nil || n <= 0 {
		return
	}
	s.bytesIn.Add(n)
}

// AddBytesOut counts response payload bytes.
func (s *Stats) AddBytesOut(n int64) {
	if s == nil || n <= 0 {
		return
	}
	s.bytesOut.Add(n)
}

// Snapshot renders the counters for the status document.
func (s *Stats) Snapshot() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	requests := make(map[string]map[string]int64, len(s.requests))
	for op, byClass := range s.requests {
		copied := make(map[string]int64, len(byClass))
		for class, n := range byClass {
			copied[class] = n
		}
		requests[op] = copied
	}
	totalMs := make(map[string]int64, len(s.totalMs))
	for op, ms := range s.totalMs {
		totalMs[op] = ms
	}
	s.mu.Unlock()
	return map[string]any{
		"requests":  requests,
		"total_ms":  totalMs,
		"bytes_in":  s.bytesIn.Load(),
		"bytes_out": s.bytesOut.Load(),
	}
}
