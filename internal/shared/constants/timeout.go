package constants

import "time"

const (
	HeartbeatInterval = 15 * time.Second
	HeartbeatTimeout  = 3 * HeartbeatInterval
	ReaperInterval    = 5 * time.Second

	ReconnectBaseDelay = 1 * time.Second
	ReconnectMaxDelay  = 60 * time.Second
	ReconnectJitter    = 0.2

	DefaultRequestTimeout = 30 * time.Second
	// Slack past the job deadline before the agent tears the transport down.
	RequestGrace = 2 * time.Second

	WriteTimeout = 10 * time.Second
	RedirectCap  = 10

	MaxInFlightPerAgent = 64
	MaxTotalInFlight    = 4096

	HistorySize    = 1000
	HistoryBodyCap = 64 * 1024
)
