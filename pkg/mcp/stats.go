package mcp

import (
	"sync"
	"time"
)

// Statistics tracks request counters for one server. Collection can be
// toggled at runtime; a disabled collector records nothing.
type Statistics struct {
	mu      sync.Mutex
	enabled bool

	started        time.Time
	totalRequests  int64
	totalErrors    int64
	totalTools     int64
	totalResources int64
	totalPrompts   int64
	totalDuration  time.Duration
	lastRequestAt  time.Time
}

// StatsSnapshot is a point-in-time view of server statistics.
type StatsSnapshot struct {
	TotalRequests          int64   `json:"totalRequests"`
	TotalToolInvocations   int64   `json:"totalToolInvocations"`
	TotalResourceReads     int64   `json:"totalResourceReads"`
	TotalPromptGenerations int64   `json:"totalPromptGenerations"`
	TotalErrors            int64   `json:"totalErrors"`
	AvgResponseTimeMs      float64 `json:"avgResponseTime"`
	SuccessRate            float64 `json:"successRate"`
	UptimeSeconds          float64 `json:"uptime"`
	LastRequestAt          string  `json:"lastRequestAt,omitempty"`
}

func newStatistics(enabled bool) *Statistics {
	return &Statistics{enabled: enabled, started: time.Now()}
}

// SetEnabled toggles collection at runtime.
func (s *Statistics) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Enabled reports whether collection is on.
func (s *Statistics) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Reset zeroes all counters and restarts the uptime clock. The fields
// are cleared one by one; reassigning the struct would clobber the held
// mutex.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	s.totalRequests = 0
	s.totalErrors = 0
	s.totalTools = 0
	s.totalResources = 0
	s.totalPrompts = 0
	s.totalDuration = 0
	s.lastRequestAt = time.Time{}
}

func (s *Statistics) recordRequest(duration time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.totalRequests++
	s.totalDuration += duration
	s.lastRequestAt = time.Now()
	if failed {
		s.totalErrors++
	}
}

func (s *Statistics) recordTool() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		s.totalTools++
	}
}

func (s *Statistics) recordResource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		s.totalResources++
	}
}

func (s *Statistics) recordPrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		s.totalPrompts++
	}
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalRequests:          s.totalRequests,
		TotalToolInvocations:   s.totalTools,
		TotalResourceReads:     s.totalResources,
		TotalPromptGenerations: s.totalPrompts,
		TotalErrors:            s.totalErrors,
		UptimeSeconds:          time.Since(s.started).Seconds(),
		SuccessRate:            100,
	}
	if s.totalRequests > 0 {
		snap.AvgResponseTimeMs = float64(s.totalDuration.Milliseconds()) / float64(s.totalRequests)
		snap.SuccessRate = float64(s.totalRequests-s.totalErrors) / float64(s.totalRequests) * 100
	}
	if !s.lastRequestAt.IsZero() {
		snap.LastRequestAt = s.lastRequestAt.Format(time.RFC3339Nano)
	}
	return snap
}
