package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/roboclub/oprec/backend/internal/logbook"
)

func (h *httpHandler) handleCreateLogbook(c *gin.Context) {
	var values logbook.FormValues
	if err := c.ShouldBindJSON(&values); err != nil {
		h.badRequest(c, "logbook.create.invalid_body", err)
		return
	}
	principal := principalFrom(c)
	entry, err := h.logbooks.Create(c.Request.Context(), principal.UserID, principal.DisplayName, values)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *httpHandler) handleListLogbooks(c *gin.Context) {
	filter := logbook.ListFilter{
		Team:     c.Query("team"),
		AuthorID: c.Query("author"),
		Status:   logbook.Status(strings.TrimSpace(c.Query("status"))),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.badRequest(c, "logbook.list.invalid_limit", fmt.Errorf("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	entries, err := h.logbooks.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logbooks": entries})
}

func (h *httpHandler) handleGetLogbook(c *gin.Context) {
	entry, err := h.logbooks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type updateLogbookPayload struct {
	Values        logbook.FormValues `json:"values"`
	Dirty         []string           `json:"dirty"`
	BaseUpdatedAt *time.Time         `json:"baseUpdatedAt"`
	Force         bool               `json:"force"`
}

func (h *httpHandler) handleUpdateLogbook(c *gin.Context) {
	var request updateLogbookPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "logbook.update.invalid_body", err)
		return
	}
	dirty := make(logbook.DirtyFields, len(request.Dirty))
	for _, name := range request.Dirty {
		dirty[logbook.Field(strings.TrimSpace(name))] = true
	}
	update := logbook.UpdateRequest{
		ID:      c.Param("id"),
		ActorID: principalFrom(c).UserID,
		Values:  request.Values,
		Dirty:   dirty,
		Force:   request.Force,
	}
	if request.BaseUpdatedAt != nil {
		update.BaseUpdatedAt = *request.BaseUpdatedAt
	}
	result, err := h.logbooks.Update(c.Request.Context(), update)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSubmitLogbook(c *gin.Context) {
	entry, err := h.logbooks.Submit(c.Request.Context(), c.Param("id"), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type reviewPayload struct {
	Approve *bool  `json:"approve"`
	Comment string `json:"comment"`
}

func (h *httpHandler) handleReviewLogbook(c *gin.Context) {
	var request reviewPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Approve == nil {
		h.badRequest(c, "logbook.review.invalid_body", fmt.Errorf("approve is required"))
		return
	}
	principal := principalFrom(c)
	entry, err := h.logbooks.Review(c.Request.Context(), c.Param("id"), principal.UserID, principal.DisplayName, *request.Approve, request.Comment)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type commentPayload struct {
	Body string `json:"body"`
}

func (h *httpHandler) handleCommentLogbook(c *gin.Context) {
	var request commentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "logbook.comment.invalid_body", err)
		return
	}
	principal := principalFrom(c)
	entry, err := h.logbooks.AddComment(c.Request.Context(), c.Param("id"), principal.UserID, principal.DisplayName, request.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *httpHandler) handleAttachLogbook(c *gin.Context) {
	data, filename, err := readUpload(c)
	if err != nil {
		h.badRequest(c, "logbook.attach.missing_file", err)
		return
	}
	entry, err := h.logbooks.AddAttachment(c.Request.Context(), c.Param("id"), principalFrom(c).UserID, filename, data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *httpHandler) handleDeleteLogbook(c *gin.Context) {
	if err := h.logbooks.SoftDelete(c.Request.Context(), c.Param("id"), principalFrom(c).UserID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
