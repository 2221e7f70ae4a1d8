package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/services/orchestrator/chat"
	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
)

// HandleGetConfig returns the effective configuration with secrets
// redacted. Full key material never crosses this surface.
func HandleGetConfig(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, orc.GetConfig())
	}
}

// HandleUpdateConfig merges a partial configuration change and returns the
// resulting redacted view. Omitted fields keep their persisted values.
func HandleUpdateConfig(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpdateConfigRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		view, err := orc.UpdateConfig(req)
		if err != nil {
			slog.Error("Configuration update failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}
