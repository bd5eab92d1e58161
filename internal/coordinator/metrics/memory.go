package metrics

import (
	"sync"
	"time"
)

// MemorySink collects the same signals in plain counters. Used by tests and by
// anything that wants a snapshot without scraping.
type MemorySink struct {
	mu sync.Mutex

	Resolved        int
	Failed          int
	ErrorsByType    map[string]int
	RequestsByAgent map[string]int
	Connected       int
	Total           int
	PoolSizeVal     int
	PoolAvailVal    int
	QueueDepths     map[string]int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		ErrorsByType:    make(map[string]int),
		RequestsByAgent: make(map[string]int),
		QueueDepths:     make(map[string]int),
	}
}

func (s *MemorySink) JobResolved(agent, method string, status int, elapsed time.Duration, responseBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resolved++
	s.RequestsByAgent[agent]++
}

func (s *MemorySink) JobFailed(agent, errorType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failed++
	s.ErrorsByType[errorType]++
}

func (s *MemorySink) AgentConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connected++
}

func (s *MemorySink) AgentDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connected--
}

func (s *MemorySink) SetAgentsTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Total = n
}

func (s *MemorySink) SetPoolSize(size, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PoolSizeVal = size
	s.PoolAvailVal = available
}

func (s *MemorySink) SetQueueDepth(agent string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueueDepths[agent] = depth
}

// Snapshot returns a copy safe to read while the sink keeps receiving.
func (s *MemorySink) Snapshot() MemorySink {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := MemorySink{
		Resolved:        s.Resolved,
		Failed:          s.Failed,
		Connected:       s.Connected,
		Total:           s.Total,
		PoolSizeVal:     s.PoolSizeVal,
		PoolAvailVal:    s.PoolAvailVal,
		ErrorsByType:    make(map[string]int, len(s.ErrorsByType)),
		RequestsByAgent: make(map[string]int, len(s.RequestsByAgent)),
		QueueDepths:     make(map[string]int, len(s.QueueDepths)),
	}
	for k, v := range s.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	for k, v := range s.RequestsByAgent {
		out.RequestsByAgent[k] = v
	}
	for k, v := range s.QueueDepths {
		out.QueueDepths[k] = v
	}
	return out
}
