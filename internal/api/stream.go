package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quizcast/internal/models"
)

// stream holds an SSE connection open and forwards the session's push events.
// Any failed write deregisters the connection.
func (h *Handler) stream(c *gin.Context) {
	session := currentSession(c)
	if session.Status == models.SessionEnded {
		c.JSON(http.StatusConflict, gin.H{"error": "session has ended"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sub := h.streams.Subscribe(session.ID)
	defer sub.Close()
	// The session may have ended, and its streams been force-closed, after
	// the middleware read it; recheck now that this stream is registered.
	current, err := h.lecture.GetSession(c.Request.Context(), session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if current.Status == models.SessionEnded {
		c.JSON(http.StatusConflict, gin.H{"error": "session has ended"})
		return
	}
	log := h.log.With().Int64("session_id", session.ID).Str("subscriber", sub.ID).Logger()
	log.Debug().Msg("stream opened")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if _, err := fmt.Fprint(c.Writer, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case payload := <-sub.Events():
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				log.Debug().Err(err).Msg("stream write failed")
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
			flusher.Flush()
		case <-sub.Done():
			log.Debug().Msg("stream closed by server")
			return
		case <-c.Request.Context().Done():
			log.Debug().Msg("stream closed by client")
			return
		}
	}
}
