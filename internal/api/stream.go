package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/generation/models"
	"github.com/parleyhq/parley/internal/generation/subscribe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const streamWriteTimeout = 10 * time.Second

// streamGeneration upgrades to WebSocket and replays the generation's
// event stream until the terminal done event. On a stream timeout the
// client receives a retryable error event and is expected to reconnect.
func (h *Handlers) streamGeneration(c *gin.Context) {
	uid := c.GetHeader("X-User-ID")
	if uid == "" {
		uid = c.Query("user_id")
	}
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
		return
	}
	generationID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.String("generation_id", generationID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reader pump only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := func(ev *models.GenerationEvent) error {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(ev)
	}

	err = h.svc.SubscribeToGeneration(ctx, generationID, uid, sink)
	switch {
	case err == nil:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(streamWriteTimeout))
	case errors.Is(err, subscribe.ErrStreamTimeout):
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		conn.WriteJSON(&models.GenerationEvent{
			Type:         models.EventError,
			GenerationID: generationID,
			Timestamp:    time.Now().UTC(),
			Message:      "stream timed out, reconnect to resume",
			Retryable:    true,
		})
	case errors.Is(err, generation.ErrAccessDenied):
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "access denied"),
			time.Now().Add(streamWriteTimeout))
	case ctx.Err() != nil:
		// Client disconnected; nothing left to report.
	default:
		h.logger.Error("generation stream failed",
			zap.String("generation_id", generationID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream failed"),
			time.Now().Add(streamWriteTimeout))
	}
}
