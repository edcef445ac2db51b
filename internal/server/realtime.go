package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"go.uber.org/zap"
)

const (
	RealtimeEventLogbookChanged = "logbook-change"
	realtimeEventSnapshot       = "snapshot"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "oprec-backend"
	defaultHeartbeatInterval    = 25 * time.Second
	realtimeBufferSize          = 16
)

type realtimeStatePayload struct {
	ID          string    `json:"id"`
	Baseline    time.Time `json:"baseline"`
	HasConflict bool      `json:"hasConflict"`
	Source      string    `json:"source"`
}

type realtimeChangePayload struct {
	ID          string    `json:"id"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Deleted     bool      `json:"deleted"`
	HasConflict bool      `json:"hasConflict"`
	Source      string    `json:"source"`
}

// handleLogbookStream pushes remote changes of one logbook entry to an open editor as Server-Sent Events.
// The optional "since" query parameter (RFC 3339) is the updatedAt the editor loaded. Saves by the
// same caller through PATCH /logbooks/:id are bracketed as submits and never flag a conflict.
func (h *httpHandler) handleLogbookStream(c *gin.Context) {
	id := c.Param("id")
	var baseline time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.badRequest(c, "logbook.stream.invalid_since", fmt.Errorf("since must be RFC 3339: %w", err))
			return
		}
		baseline = parsed
	}

	changes := make(chan docstore.Change, realtimeBufferSize)
	session, err := h.logbooks.OpenSession(c.Request.Context(), id, principalFrom(c).UserID, baseline, func(change docstore.Change) {
		select {
		case changes <- change:
		default:
		}
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer h.logbooks.CloseSession(session)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	state := session.Detector().State()
	c.SSEvent(realtimeEventSnapshot, realtimeStatePayload{
		ID:          id,
		Baseline:    state.Baseline,
		HasConflict: state.HasConflict,
		Source:      realtimeSourceBackend,
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-session.Done():
			return
		case change := <-changes:
			updatedAt := change.Document.UpdateTime
			if change.Deleted {
				updatedAt = change.Timestamp
			}
			c.SSEvent(RealtimeEventLogbookChanged, realtimeChangePayload{
				ID:          change.ID,
				UpdatedAt:   updatedAt,
				Deleted:     change.Deleted,
				HasConflict: session.Detector().HasConflict(),
				Source:      realtimeSourceBackend,
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": tick.UTC().Unix()})
			c.Writer.Flush()
			h.logger.Debug("logbook stream heartbeat", zap.String("logbook_id", id))
		}
	}
}

// handleResolveLogbookConflict clears the conflict flag of the caller's open streams on the entry and
// returns the current version to reload.
func (h *httpHandler) handleResolveLogbookConflict(c *gin.Context) {
	entry, err := h.logbooks.ResolveConflict(c.Request.Context(), c.Param("id"), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
