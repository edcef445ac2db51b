package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/roboclub/oprec/backend/internal/blob"
	"github.com/roboclub/oprec/backend/internal/registration"
	"go.uber.org/zap"
)

var uploadKindPattern = regexp.MustCompile(`^[a-z][a-z_]{0,31}$`)

type initializeRequestPayload struct {
	OrPeriod string `json:"orPeriod"`
	OrYear   string `json:"orYear"`
}

func (h *httpHandler) handleInitializeRegistration(c *gin.Context) {
	var request initializeRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			h.badRequest(c, "registration.initialize.invalid_body", err)
			return
		}
	}
	result, err := h.registrations.InitializeRegistration(c.Request.Context(), principalFrom(c).UserID, request.OrPeriod, request.OrYear)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleGetOwnRegistration(c *gin.Context) {
	result, err := h.registrations.GetRegistration(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSubmitStep1(c *gin.Context) {
	var form registration.FormData
	if err := c.ShouldBindJSON(&form); err != nil {
		h.badRequest(c, "registration.submit_step1.invalid_body", err)
		return
	}
	result, err := h.registrations.SubmitStep1FormData(c.Request.Context(), principalFrom(c).UserID, form)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSubmitStep2(c *gin.Context) {
	var uploads registration.DocumentUploads
	if err := c.ShouldBindJSON(&uploads); err != nil {
		h.badRequest(c, "registration.submit_step2.invalid_body", err)
		return
	}
	result, err := h.registrations.SubmitStep2Documents(c.Request.Context(), principalFrom(c).UserID, uploads)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSubmitStep3(c *gin.Context) {
	var details registration.PaymentDetails
	if err := c.ShouldBindJSON(&details); err != nil {
		h.badRequest(c, "registration.submit_step3.invalid_body", err)
		return
	}
	result, err := h.registrations.SubmitStep3Payment(c.Request.Context(), principalFrom(c).UserID, details)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// readUpload reads the multipart "file" field, capped just above the blob size limit.
func readUpload(c *gin.Context) ([]byte, string, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	file, err := header.Open()
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, blob.MaxUploadBytes+1))
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
}

// handleUpload stores a registration artifact and returns its URL for the step 2 or step 3 payload.
func (h *httpHandler) handleUpload(c *gin.Context) {
	kind := strings.TrimSpace(c.PostForm("kind"))
	if !uploadKindPattern.MatchString(kind) {
		h.badRequest(c, "uploads.invalid_kind", fmt.Errorf("kind must match %s", uploadKindPattern))
		return
	}
	data, filename, err := readUpload(c)
	if err != nil {
		h.badRequest(c, "uploads.missing_file", err)
		return
	}
	if _, err := blob.Inspect(data, "uploads/check"); err != nil {
		h.badRequest(c, "uploads.rejected", err)
		return
	}
	extension := strings.ToLower(path.Ext(filename))
	if !uploadKindPattern.MatchString(strings.TrimPrefix(extension, ".")) {
		extension = ""
	}
	destination := path.Join("registrations", principalFrom(c).UserID, kind+extension)
	url, err := h.blob.UploadFile(c.Request.Context(), data, destination)
	if err != nil {
		if errors.Is(err, blob.ErrInvalidPath) {
			h.badRequest(c, "uploads.rejected", err)
			return
		}
		h.logger.Warn("upload failed", zap.String("path", destination), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{Error: "upload failed", Code: "uploads.unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": url})
}

func (h *httpHandler) handleListRegistrations(c *gin.Context) {
	filter := registration.ListFilter{
		OrPeriod: strings.TrimSpace(c.Query("period")),
		OrYear:   strings.TrimSpace(c.Query("year")),
	}
	if raw := c.Query("status"); raw != "" {
		status, ok := registration.ParseStatus(raw)
		if !ok {
			h.badRequest(c, "registration.list.invalid_status", fmt.Errorf("unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.badRequest(c, "registration.list.invalid_limit", fmt.Errorf("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	results, err := h.registrations.ListRegistrations(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registrations": results})
}

func (h *httpHandler) handleGetRegistration(c *gin.Context) {
	result, err := h.registrations.GetRegistration(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	allVerified := registration.AreAllStepsVerified(result)
	c.JSON(http.StatusOK, gin.H{"registration": result, "allStepsVerified": allVerified})
}

type stepDecisionPayload struct {
	Approve         *bool  `json:"approve"`
	Notes           string `json:"notes"`
	RejectionReason string `json:"rejectionReason"`
}

func (h *httpHandler) handleVerifyStep(c *gin.Context) {
	stepNumber, err := strconv.Atoi(c.Param("step"))
	if err != nil || !registration.Step(stepNumber).Valid() {
		h.badRequest(c, "registration.verify_step.invalid_step", fmt.Errorf("step must be 1, 2 or 3"))
		return
	}
	var request stepDecisionPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Approve == nil {
		h.badRequest(c, "registration.verify_step.invalid_body", fmt.Errorf("approve is required"))
		return
	}
	result, err := h.registrations.VerifyStep(c.Request.Context(), c.Param("id"), registration.Step(stepNumber),
		principalFrom(c).UserID, *request.Approve, request.Notes, request.RejectionReason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleVerifyRegistration(c *gin.Context) {
	result, err := h.registrations.VerifyRegistration(c.Request.Context(), c.Param("id"), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type rejectPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleRejectApplication(c *gin.Context) {
	var request rejectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "registration.reject_application.invalid_body", err)
		return
	}
	result, err := h.registrations.RejectApplication(c.Request.Context(), c.Param("id"), principalFrom(c).UserID, request.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type bulkPayload struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

func (h *httpHandler) handleBulk(c *gin.Context) {
	var request bulkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "registration.bulk.invalid_body", err)
		return
	}
	action, ok := registration.ParseBulkAction(request.Action)
	if !ok {
		h.badRequest(c, "registration.bulk.invalid_action", fmt.Errorf("unknown action %q", request.Action))
		return
	}
	result, err := h.registrations.ExecuteBulk(c.Request.Context(), registration.BulkOperation{
		IDs:     request.IDs,
		Action:  action,
		ActorID: principalFrom(c).UserID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleGetSettings(c *gin.Context) {
	settings, err := h.registrations.GetSettings(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	var update registration.SettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		h.badRequest(c, "registration.update_settings.invalid_body", err)
		return
	}
	settings, err := h.registrations.UpdateSettings(c.Request.Context(), principalFrom(c).UserID, update)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *httpHandler) handleAuditHistory(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "audit history is not enabled", Code: "audit.disabled"})
		return
	}
	events, err := h.audit.History(c.Request.Context(), c.Param("collection"), c.Param("id"))
	if err != nil {
		h.logger.Error("audit history failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "audit history unavailable", Code: "audit.unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
