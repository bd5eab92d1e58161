package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"NetDispatch/internal/coordinator/metrics"
	"NetDispatch/internal/coordinator/models"
	"NetDispatch/internal/coordinator/pool"
	"NetDispatch/internal/shared/constants"
	shared "NetDispatch/internal/shared/models"
	"NetDispatch/pkg/validator"
)

// Session is the write half of one agent connection. Sends are serialized by
// the session's own writer; Close is idempotent.
type Session interface {
	Send(frame any) error
	Close(reason string)
}

// AgentDownFunc is called after an agent leaves the Live state so pending jobs
// assigned to it can be failed. Invoked without registry locks held.
type AgentDownFunc func(agentID string, kind shared.ErrorKind, message string)

type Config struct {
	HeartbeatTimeout time.Duration
	ReaperInterval   time.Duration
	MaxInFlight      int
}

type record struct {
	agent    models.Agent
	session  Session
	inFlight int
}

// Registry tracks agent identity, connection state, reported addresses and
// liveness. It is the only owner of agent records; the pool sees nothing but
// (agent_id, ip) tuples.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*record

	pool   *pool.Pool
	sink   metrics.Sink
	logger *slog.Logger
	cfg    Config

	onAgentDown AgentDownFunc
}

func New(p *pool.Pool, cfg Config, sink metrics.Sink, logger *slog.Logger) *Registry {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = constants.HeartbeatTimeout
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = constants.ReaperInterval
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = constants.MaxInFlightPerAgent
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		agents: make(map[string]*record),
		pool:   p,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
	}
}

// SetAgentDownHandler wires the dispatcher's pending-job failure path. Must be
// called before the first agent registers.
func (r *Registry) SetAgentDownHandler(fn AgentDownFunc) {
	r.onAgentDown = fn
}

// Register installs a new live session for agentID. A live session already
// holding the id is closed and its pending jobs fail with AgentReplaced.
func (r *Registry) Register(agentID, hostname, version string, addresses []string, s Session) error {
	if !validator.ValidateAgentID(agentID) {
		return fmt.Errorf("invalid agent id %q", agentID)
	}
	if len(addresses) == 0 {
		return fmt.Errorf("agent %s registered with no usable addresses", agentID)
	}

	var replaced Session

	r.mu.Lock()
	rec, exists := r.agents[agentID]
	if exists && rec.session != nil {
		replaced = rec.session
	}

	now := time.Now()
	r.agents[agentID] = &record{
		agent: models.Agent{
			ID:            agentID,
			Hostname:      hostname,
			Version:       version,
			Addresses:     dedupe(addresses),
			State:         models.AgentStateLive,
			LastHeartbeat: now,
			RegisteredAt:  now,
		},
		session: s,
	}
	if exists {
		// Carry the lifetime counter across reconnects.
		r.agents[agentID].agent.RequestsProcessed = rec.agent.RequestsProcessed
	}
	total := len(r.agents)
	r.mu.Unlock()

	if replaced != nil {
		r.logger.Warn("agent re-registered, replacing previous session", "agent_id", agentID)
		replaced.Close("replaced")
		if r.sink != nil {
			r.sink.AgentDisconnected()
		}
		if r.onAgentDown != nil {
			r.onAgentDown(agentID, shared.KindAgentReplaced, "agent re-registered from a new connection")
		}
	}

	// The new session's addresses win over whatever the old session reported.
	r.pool.Update(agentID, addresses)

	if r.sink != nil {
		r.sink.AgentConnected()
		r.sink.SetAgentsTotal(total)
	}

	r.logger.Info("agent registered",
		"agent_id", agentID,
		"hostname", hostname,
		"addresses", len(addresses),
		"replaced", replaced != nil,
	)

	return nil
}

// Heartbeat refreshes liveness and applies the address diff atomically with
// respect to Pick.
func (r *Registry) Heartbeat(agentID string, addresses []string) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok || rec.agent.State != models.AgentStateLive {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat from unknown agent %s", agentID)
	}

	rec.agent.LastHeartbeat = time.Now()
	changed := !slices.Equal(rec.agent.Addresses, dedupe(addresses))
	if changed {
		rec.agent.Addresses = dedupe(addresses)
	}
	r.mu.Unlock()

	if changed {
		r.pool.Update(agentID, addresses)
		r.logger.Info("agent addresses changed", "agent_id", agentID, "addresses", len(addresses))
	}

	return nil
}

// Disconnect handles a transport-level close of the given session. It is a
// no-op when a newer session already replaced this one.
func (r *Registry) Disconnect(agentID string, s Session) {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok || rec.session != s {
		r.mu.Unlock()
		return
	}
	rec.session = nil
	rec.inFlight = 0
	rec.agent.State = models.AgentStateDead
	r.mu.Unlock()

	r.agentDown(agentID, shared.KindAgentLost, "agent disconnected", true)
	r.logger.Info("agent disconnected", "agent_id", agentID)
}

// Remove drops the agent entirely (DELETE /api/agents/{id}).
func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s := rec.session
	delete(r.agents, agentID)
	total := len(r.agents)
	r.mu.Unlock()

	if s != nil {
		s.Close("removed by operator")
	}
	r.agentDown(agentID, shared.KindAgentLost, "agent removed", s != nil)

	if r.sink != nil {
		r.sink.SetAgentsTotal(total)
	}

	r.logger.Info("agent removed", "agent_id", agentID)
	return true
}

// AcquireSlot reserves one in-flight slot on a live agent. Returns the session
// to send on, or false when the agent is not live or saturated.
func (r *Registry) AcquireSlot(agentID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok || rec.session == nil || rec.agent.State != models.AgentStateLive {
		return nil, false
	}
	if rec.inFlight >= r.cfg.MaxInFlight {
		return nil, false
	}

	rec.inFlight++
	rec.agent.InFlight = rec.inFlight
	if r.sink != nil {
		r.sink.SetQueueDepth(agentID, rec.inFlight)
	}
	return rec.session, true
}

func (r *Registry) ReleaseSlot(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok || rec.inFlight == 0 {
		return
	}
	rec.inFlight--
	rec.agent.InFlight = rec.inFlight
	if r.sink != nil {
		r.sink.SetQueueDepth(agentID, rec.inFlight)
	}
}

func (r *Registry) IncProcessed(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[agentID]; ok {
		rec.agent.RequestsProcessed++
	}
}

// Broadcast sends a frame to every live session. Send failures only log; the
// next heartbeat or read error tears the connection down properly.
func (r *Registry) Broadcast(frame any) {
	r.mu.Lock()
	sessions := make(map[string]Session)
	for id, rec := range r.agents {
		if rec.session != nil && rec.agent.State == models.AgentStateLive {
			sessions[id] = rec.session
		}
	}
	r.mu.Unlock()

	for id, s := range sessions {
		if err := s.Send(frame); err != nil {
			r.logger.Warn("broadcast failed", "agent_id", id, "error", err)
		}
	}
}

func (r *Registry) Snapshot() []models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		a := rec.agent
		a.Addresses = slices.Clone(rec.agent.Addresses)
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b models.Agent) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Get(agentID string) (models.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, false
	}
	a := rec.agent
	a.Addresses = slices.Clone(rec.agent.Addresses)
	return a, true
}

func (r *Registry) CountLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.agents {
		if rec.agent.State == models.AgentStateLive {
			n++
		}
	}
	return n
}

// Run drives the reaper until ctx is done. Agents silent for longer than the
// heartbeat timeout are declared dead, closed, and drained from the pool.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(time.Now())
		}
	}
}

func (r *Registry) reapOnce(now time.Time) {
	type dead struct {
		id string
		s  Session
	}
	var reaped []dead

	r.mu.Lock()
	for id, rec := range r.agents {
		if rec.agent.State != models.AgentStateLive {
			continue
		}
		if now.Sub(rec.agent.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			reaped = append(reaped, dead{id: id, s: rec.session})
			rec.session = nil
			rec.inFlight = 0
			rec.agent.State = models.AgentStateDead
		}
	}
	r.mu.Unlock()

	for _, d := range reaped {
		r.logger.Warn("agent heartbeat timed out, declaring dead", "agent_id", d.id)
		if d.s != nil {
			d.s.Close("heartbeat timeout")
		}
		r.agentDown(d.id, shared.KindAgentLost, "agent heartbeat timed out", d.s != nil)
	}
}

func (r *Registry) agentDown(agentID string, kind shared.ErrorKind, message string, hadSession bool) {
	r.pool.Remove(agentID)
	if r.sink != nil {
		if hadSession {
			r.sink.AgentDisconnected()
		}
		r.sink.SetQueueDepth(agentID, 0)
	}
	if r.onAgentDown != nil {
		r.onAgentDown(agentID, kind, message)
	}
}

func dedupe(addresses []string) []string {
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
	slices.Sort(out)
	return out
}
