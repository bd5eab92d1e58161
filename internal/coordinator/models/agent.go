package models

import "time"

type AgentState string

const (
	AgentStateConnecting AgentState = "connecting"
	AgentStateRegistered AgentState = "registered"
	AgentStateLive       AgentState = "live"
	AgentStateDraining   AgentState = "draining"
	AgentStateDead       AgentState = "dead"
)

type Agent struct {
	ID                string     `json:"agent_id"`
	Hostname          string     `json:"hostname"`
	Version           string     `json:"version,omitempty"`
	Addresses         []string   `json:"addresses"`
	State             AgentState `json:"state"`
	LastHeartbeat     time.Time  `json:"last_seen"`
	RegisteredAt      time.Time  `json:"registered_at"`
	RequestsProcessed int64      `json:"requests_processed"`
	InFlight          int        `json:"in_flight"`
}
