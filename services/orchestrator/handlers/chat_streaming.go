package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentdeck/agentdeck/services/llm"
	"github.com/agentdeck/agentdeck/services/orchestrator/chat"
	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
	"github.com/agentdeck/agentdeck/services/orchestrator/observability"
)

// keepAliveInterval is how often an SSE comment goes out while the
// provider is quiet. Below common proxy idle timeouts (60s).
const keepAliveInterval = 15 * time.Second

// HandleStreamMessage runs one exchange on a session, relaying reply
// fragments as SSE token events. The fragments sent to the client are
// exactly the fragments accumulated into history; a byte never takes two
// different paths.
func HandleStreamMessage(orc *chat.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleStreamMessage")
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

		// Headers go out only once a flusher-backed writer exists, so
		// the fallback error below stays a plain JSON response.
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}
		SetSSEHeaders(c.Writer)
		writer.WriteStatus("Generating reply")

		// Keep-alives cover the provider's silent stretch before the
		// first token.
		keepAliveDone := make(chan struct{})
		go runKeepAlive(writer, keepAliveDone)

		accumulator := NewTokenAccumulator()
		defer accumulator.Destroy()

		start := time.Now()
		var firstToken time.Time
		chunkCount := 0
		result, err := orc.StreamMessage(ctx, sessionID, req.Message, func(chunk llm.StreamChunk) error {
			if firstToken.IsZero() {
				firstToken = time.Now()
				close(keepAliveDone)
			}
			if err := accumulator.Write(chunk.Text); err != nil {
				return err
			}
			chunkCount++
			return writer.WriteToken(chunk.Text)
		})
		if firstToken.IsZero() {
			close(keepAliveDone)
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordExchange("", "stream", "error", time.Since(start).Seconds(), 0, 0)
			if errors.Is(err, context.Canceled) {
				recordClientDisconnect()
				slog.Info("Stream client disconnected", "session_id", sessionID)
				return
			}
			slog.Error("Stream exchange failed", "session_id", sessionID, "error", err)
			writer.WriteError(err.Error())
			return
		}

		// The accumulated fragments must reproduce the recorded reply.
		// A mismatch means the relay dropped or duplicated a fragment.
		accumulated, accErr := accumulator.Finalize()
		if accErr == nil && accumulated != result.Content {
			slog.Error("Stream accumulator diverged from final content",
				"session_id", sessionID,
				"accumulated_len", len(accumulated),
				"content_len", len(result.Content))
		}

		observability.RecordExchange(result.Provider, "stream", "ok",
			time.Since(start).Seconds(), result.Usage.InputTokens, result.Usage.OutputTokens)
		if m := observability.DefaultMetrics; m != nil {
			m.StreamChunksTotal.WithLabelValues(result.Provider).Add(float64(chunkCount))
		}
		writer.WriteDone(sessionID)
	}
}

func runKeepAlive(writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.KeepAlivesTotal.Inc()
			}
		}
	}
}

func recordClientDisconnect() {
	if m := observability.DefaultMetrics; m != nil {
		m.ClientDisconnectsTotal.Inc()
	}
}
