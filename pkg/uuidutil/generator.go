package uuidutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func New() string {
	return uuid.New().String()
}

func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NewAgentID generates an agent identifier when the operator did not supply
// one. The format is stable so operators can recognize auto-assigned agents.
func NewAgentID(hostname string) string {
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("agent-%s-%d", hostname, time.Now().Unix())
}
