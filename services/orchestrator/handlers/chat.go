package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentdeck/agentdeck/services/orchestrator/chat"
	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
	"github.com/agentdeck/agentdeck/services/orchestrator/observability"
)

var chatTracer = otel.Tracer("agentdeck.orchestrator.handlers")

// HandleStartChat creates a session for an agent and returns its greeting.
func HandleStartChat(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleStartChat")
		defer span.End()

		var req datatypes.StartChatRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the start chat request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := orc.StartChat(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			recordSessionStart("", "error")
			c.JSON(statusForError(err), errorBody(err))
			return
		}
		recordSessionStart(result.Provider, "ok")
		syncActiveSessions(orc)

		c.JSON(http.StatusOK, gin.H{
			"session_id": result.SessionID,
			"agent_name": result.AgentName,
			"greeting":   result.Greeting,
			"provider":   result.Provider,
			"model":      result.Model,
			"usage":      result.Usage,
		})
	}
}

// HandleSendMessage runs one buffered exchange on a session.
func HandleSendMessage(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleSendMessage")
		defer span.End()
		sessionID := c.Param("sessionId")

		var req datatypes.SendMessageRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		start := time.Now()
		result, err := orc.SendMessage(ctx, sessionID, req.Message)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordExchange("", "buffered", "error", time.Since(start).Seconds(), 0, 0)
			c.JSON(statusForError(err), errorBody(err))
			return
		}
		observability.RecordExchange(result.Provider, "buffered", "ok",
			time.Since(start).Seconds(), result.Usage.InputTokens, result.Usage.OutputTokens)

		c.JSON(http.StatusOK, gin.H{
			"response": result.Content,
			"provider": result.Provider,
			"model":    result.Model,
			"usage":    result.Usage,
		})
	}
}

// HandleHistory returns the transcript of a session.
func HandleHistory(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		history, err := orc.History(sessionID)
		if err != nil {
			c.JSON(statusForError(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"messages":   history,
		})
	}
}

// HandleClearChat ends a session. Clearing twice, or clearing an id that
// never existed, still succeeds.
func HandleClearChat(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		orc.ClearChat(sessionID)
		syncActiveSessions(orc)
		c.JSON(http.StatusOK, gin.H{"cleared": true, "session_id": sessionID})
	}
}

// HandleListChats summarizes all live sessions.
func HandleListChats(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"chats": orc.ListChats()})
	}
}

// HealthCheck reports process liveness and provider readiness.
func HealthCheck(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"configured": orc.IsConfigured(c.Request.Context()),
		})
	}
}

func recordSessionStart(provider, status string) {
	if m := observability.DefaultMetrics; m != nil {
		m.SessionsStartedTotal.WithLabelValues(provider, status).Inc()
	}
}

func syncActiveSessions(orc *chat.Orchestrator) {
	if m := observability.DefaultMetrics; m != nil {
		m.ActiveSessions.Set(float64(len(orc.ListChats())))
	}
}
