package protocol

import (
	"encoding/json"
	"fmt"

	"NetDispatch/internal/shared/models"
)

// Control frames are JSON text frames, one message per frame, discriminated by
// the "type" field. Unknown types are logged and ignored by both sides so old
// peers survive new frame kinds.

const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeDispatch     = "dispatch"
	TypeResult       = "result"
	TypeError        = "error"
	TypeHeartbeat    = "heartbeat"
	TypeAckHeartbeat = "ack_heartbeat"
	TypeConfigure    = "configure"
	TypeDrain        = "drain"
	TypeDrained      = "drained"
)

type Envelope struct {
	Type string `json:"type"`
}

// Register is the first frame an agent sends after connecting.
type Register struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agent_id"`
	Hostname     string   `json:"hostname"`
	Addresses    []string `json:"addresses"`
	AgentVersion string   `json:"agent_version"`
}

type Registered struct {
	Type            string `json:"type"`
	AssignedAgentID string `json:"assigned_agent_id"`
	ServerTime      int64  `json:"server_time"`
}

type Dispatch struct {
	Type       string            `json:"type"`
	JobID      string            `json:"job_id"`
	SourceIP   string            `json:"source_ip"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	TimeoutSec float64           `json:"timeout_sec"`
}

type Result struct {
	Type            string            `json:"type"`
	JobID           string            `json:"job_id"`
	Status          int               `json:"status"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBodyB64 string            `json:"response_body_b64,omitempty"`
	ElapsedSec      float64           `json:"elapsed_sec"`
}

type Error struct {
	Type    string           `json:"type"`
	JobID   string           `json:"job_id"`
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

type Heartbeat struct {
	Type      string   `json:"type"`
	Addresses []string `json:"addresses"`
	TS        int64    `json:"ts"`
}

type AckHeartbeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// Configure pushes the coordinator's stored request template to agents.
type Configure struct {
	Type   string                `json:"type"`
	Config *models.RequestConfig `json:"config"`
}

type Drain struct {
	Type string `json:"type"`
}

type Drained struct {
	Type string `json:"type"`
}

func NewRegister(agentID, hostname, version string, addresses []string) *Register {
	return &Register{
		Type:         TypeRegister,
		AgentID:      agentID,
		Hostname:     hostname,
		Addresses:    addresses,
		AgentVersion: version,
	}
}

func NewRegistered(agentID string, serverTime int64) *Registered {
	return &Registered{Type: TypeRegistered, AssignedAgentID: agentID, ServerTime: serverTime}
}

func NewHeartbeat(addresses []string, ts int64) *Heartbeat {
	return &Heartbeat{Type: TypeHeartbeat, Addresses: addresses, TS: ts}
}

func NewAckHeartbeat(ts int64) *AckHeartbeat {
	return &AckHeartbeat{Type: TypeAckHeartbeat, TS: ts}
}

func NewConfigure(cfg *models.RequestConfig) *Configure {
	return &Configure{Type: TypeConfigure, Config: cfg}
}

func NewResult(jobID string, status int, headers map[string]string, bodyB64 string, elapsedSec float64) *Result {
	return &Result{
		Type:            TypeResult,
		JobID:           jobID,
		Status:          status,
		ResponseHeaders: headers,
		ResponseBodyB64: bodyB64,
		ElapsedSec:      elapsedSec,
	}
}

func NewError(jobID string, kind models.ErrorKind, message string) *Error {
	return &Error{Type: TypeError, JobID: jobID, Kind: kind, Message: message}
}

// PeekType reads only the discriminator so the caller can decode the full
// frame into the right struct.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame without type")
	}
	return env.Type, nil
}
