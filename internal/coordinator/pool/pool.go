package pool

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"NetDispatch/internal/coordinator/metrics"
)

var ErrEmptyPool = errors.New("ip pool is empty")

const (
	FairnessPerIP    = "per-ip"
	FairnessPerAgent = "per-agent"
)

// Entry is one selectable (agent, source IP) tuple. Membership is derived from
// live agents only; the pool never holds agent state beyond the id.
type Entry struct {
	AgentID string `json:"agent_id"`
	IP      string `json:"ip"`
}

// EntryStatus is the diagnostic view exposed by /api/pool/status.
type EntryStatus struct {
	AgentID       string     `json:"agent_id"`
	IP            string     `json:"ip"`
	RequestsCount int64      `json:"requests_count"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

type usage struct {
	count    int64
	lastUsed time.Time
}

// Pool maintains the ordered view of (agent_id, ip) tuples and the round-robin
// cursor. The cursor is a monotone counter, never an index: on churn the next
// pick computes `counter mod current size`, so selection does not restart at a
// fixed element.
type Pool struct {
	mu       sync.Mutex
	fairness string

	addrs   map[string][]string // agent id -> sorted, deduplicated addresses
	entries []Entry             // sorted by (agent_id, ip)
	cursor  uint64

	// per-agent fairness state
	agentIDs    []string
	agentCursor uint64
	ipCursors   map[string]uint64

	used map[Entry]*usage

	sink   metrics.Sink
	logger *slog.Logger
}

func New(fairness string, sink metrics.Sink, logger *slog.Logger) *Pool {
	if fairness != FairnessPerAgent {
		fairness = FairnessPerIP
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		fairness:  fairness,
		addrs:     make(map[string][]string),
		ipCursors: make(map[string]uint64),
		used:      make(map[Entry]*usage),
		sink:      sink,
		logger:    logger,
	}
}

// Add registers an agent's addresses. Same operation as Update; both replace
// the agent's previous set atomically with respect to Pick.
func (p *Pool) Add(agentID string, addresses []string) {
	p.Update(agentID, addresses)
}

func (p *Pool) Update(agentID string, addresses []string) {
	cleaned := dedupeSorted(addresses)

	p.mu.Lock()
	if len(cleaned) == 0 {
		delete(p.addrs, agentID)
		delete(p.ipCursors, agentID)
	} else {
		p.addrs[agentID] = cleaned
	}
	p.rebuildLocked()
	size := len(p.entries)
	p.mu.Unlock()

	p.logger.Debug("pool updated",
		"agent_id", agentID,
		"addresses", len(cleaned),
		"pool_size", size,
	)
}

func (p *Pool) Remove(agentID string) {
	p.mu.Lock()
	delete(p.addrs, agentID)
	delete(p.ipCursors, agentID)
	for e := range p.used {
		if e.AgentID == agentID {
			delete(p.used, e)
		}
	}
	p.rebuildLocked()
	size := len(p.entries)
	p.mu.Unlock()

	p.logger.Debug("agent removed from pool", "agent_id", agentID, "pool_size", size)
}

// Pick returns the next entry in rotation. Picks are linearizable in cursor
// order: the lock covers the cursor read-and-increment and the indexed read.
func (p *Pool) Pick() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return Entry{}, ErrEmptyPool
	}

	if p.fairness == FairnessPerAgent {
		return p.pickPerAgentLocked(), nil
	}

	i := p.cursor % uint64(len(p.entries))
	p.cursor++
	return p.entries[i], nil
}

// pickPerAgentLocked rotates across agents first, then across the chosen
// agent's addresses. Both cursors are monotone counters for the same
// churn-stability reason as the flat cursor.
func (p *Pool) pickPerAgentLocked() Entry {
	a := p.agentCursor % uint64(len(p.agentIDs))
	p.agentCursor++

	agentID := p.agentIDs[a]
	addrs := p.addrs[agentID]

	c := p.ipCursors[agentID]
	p.ipCursors[agentID] = c + 1

	return Entry{AgentID: agentID, IP: addrs[c%uint64(len(addrs))]}
}

// MarkUsed records bookkeeping for a resolved job on this entry.
func (p *Pool) MarkUsed(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.used[e]
	if !ok {
		u = &usage{}
		p.used[e] = u
	}
	u.count++
	u.lastUsed = time.Now()
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) Snapshot() []EntryStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EntryStatus, 0, len(p.entries))
	for _, e := range p.entries {
		st := EntryStatus{AgentID: e.AgentID, IP: e.IP}
		if u, ok := p.used[e]; ok {
			st.RequestsCount = u.count
			if !u.lastUsed.IsZero() {
				t := u.lastUsed
				st.LastUsed = &t
			}
		}
		out = append(out, st)
	}
	return out
}

func (p *Pool) rebuildLocked() {
	p.entries = p.entries[:0]
	p.agentIDs = p.agentIDs[:0]

	for agentID, addrs := range p.addrs {
		p.agentIDs = append(p.agentIDs, agentID)
		for _, ip := range addrs {
			p.entries = append(p.entries, Entry{AgentID: agentID, IP: ip})
		}
	}

	sort.Strings(p.agentIDs)
	sort.Slice(p.entries, func(i, j int) bool {
		if p.entries[i].AgentID != p.entries[j].AgentID {
			return p.entries[i].AgentID < p.entries[j].AgentID
		}
		return p.entries[i].IP < p.entries[j].IP
	})

	if p.sink != nil {
		p.sink.SetPoolSize(len(p.entries), len(p.entries))
	}
}

func dedupeSorted(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
