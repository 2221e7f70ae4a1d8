package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/services/orchestrator/chat"
)

// HandleListModels enumerates the selected provider's models. For the
// local provider this queries the server; cloud providers report the
// configured model.
func HandleListModels(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		models, err := orc.ListModels(c.Request.Context())
		if err != nil {
			c.JSON(statusForError(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": models})
	}
}

// HandleLocalStatus probes the local provider regardless of selection, so
// a UI can offer it as an option only when it is actually running.
func HandleLocalStatus(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"running": orc.ProbeLocal(c.Request.Context()),
		})
	}
}
