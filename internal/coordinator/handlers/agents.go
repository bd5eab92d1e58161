package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	shared "NetDispatch/internal/shared/models"
	"NetDispatch/pkg/uuidutil"
	"NetDispatch/pkg/validator"
)

// RegisterAgent reserves an agent id over plain HTTP. WebSocket registration
// is the norm; this exists for pseudo-agents and tooling that want an id
// before connecting.
func (h *Handlers) RegisterAgent(c *gin.Context) {
	var req struct {
		AgentID  string `json:"agent_id"`
		Hostname string `json:"hostname"`
	}

	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse(shared.KindInvalidRequest, "invalid request body"))
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = uuidutil.NewAgentID(req.Hostname)
	}

	if !validator.ValidateAgentID(agentID) {
		c.JSON(http.StatusBadRequest, ErrorResponse(shared.KindInvalidRequest, "invalid agent id"))
		return
	}

	h.logger.Info("agent id issued over http", "agent_id", agentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID})
}

func (h *Handlers) ListAgents(c *gin.Context) {
	agents := h.registry.Snapshot()
	c.JSON(http.StatusOK, agents)
}

func (h *Handlers) RemoveAgent(c *gin.Context) {
	agentID := c.Param("id")

	removed := h.registry.Remove(agentID)
	if removed {
		h.logger.Info("agent removed via api", "agent_id", agentID)
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handlers) PoolStatus(c *gin.Context) {
	entries := h.pool.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"size":    len(entries),
		"entries": entries,
	})
}
