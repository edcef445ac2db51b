package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/auth"
	"github.com/roboclub/oprec/backend/internal/blob"
	"github.com/roboclub/oprec/backend/internal/logbook"
	"github.com/roboclub/oprec/backend/internal/metrics"
	"github.com/roboclub/oprec/backend/internal/registration"
	"go.uber.org/zap"
)

const principalContextKey = "oprec_principal"

var (
	errMissingAuthenticator = errors.New("request authenticator dependency required")
	errMissingRoles         = errors.New("role resolver dependency required")
	errMissingRegistrations = errors.New("registration service dependency required")
	errMissingLogbooks      = errors.New("logbook service dependency required")
	errMissingBlobStore     = errors.New("blob store dependency required")
)

// Authenticator resolves the caller of an HTTP request.
type Authenticator interface {
	ValidateRequest(r *http.Request) (auth.Principal, error)
}

// RoleResolver returns the stored role of an authenticated caller.
type RoleResolver interface {
	ResolveRole(ctx context.Context, principal auth.Principal) (auth.Role, error)
}

// AuditHistory lists recorded events of one entity.
type AuditHistory interface {
	History(ctx context.Context, collection, entityID string) ([]audit.Event, error)
}

// FileSource serves objects kept by an in-process blob store.
type FileSource interface {
	Object(path string) ([]byte, bool)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	Authenticator  Authenticator
	Roles          RoleResolver
	Registrations  *registration.Service
	Logbooks       *logbook.Service
	Blob           blob.Store
	Files          FileSource
	Audit          AuditHistory
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
	// Heartbeat is the SSE keep-alive interval. Zero uses 25s.
	Heartbeat time.Duration
}

type httpHandler struct {
	authenticator Authenticator
	roles         RoleResolver
	registrations *registration.Service
	logbooks      *logbook.Service
	blob          blob.Store
	files         FileSource
	audit         AuditHistory
	logger        *zap.Logger
	heartbeat     time.Duration
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Roles == nil {
		return nil, errMissingRoles
	}
	if deps.Registrations == nil {
		return nil, errMissingRegistrations
	}
	if deps.Logbooks == nil {
		return nil, errMissingLogbooks
	}
	if deps.Blob == nil {
		return nil, errMissingBlobStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		roles:         deps.Roles,
		registrations: deps.Registrations,
		logbooks:      deps.Logbooks,
		blob:          deps.Blob,
		files:         deps.Files,
		audit:         deps.Audit,
		logger:        logger,
		heartbeat:     heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Files != nil {
		router.GET("/files/*path", handler.handleFile)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/registration", handler.handleInitializeRegistration)
	protected.GET("/registration", handler.handleGetOwnRegistration)
	protected.PUT("/registration/step1", handler.handleSubmitStep1)
	protected.PUT("/registration/step2", handler.handleSubmitStep2)
	protected.PUT("/registration/step3", handler.handleSubmitStep3)
	protected.POST("/uploads", handler.handleUpload)

	protected.POST("/logbooks", handler.handleCreateLogbook)
	protected.GET("/logbooks", handler.handleListLogbooks)
	protected.GET("/logbooks/:id", handler.handleGetLogbook)
	protected.PATCH("/logbooks/:id", handler.handleUpdateLogbook)
	protected.DELETE("/logbooks/:id", handler.handleDeleteLogbook)
	protected.POST("/logbooks/:id/submit", handler.handleSubmitLogbook)
	protected.POST("/logbooks/:id/comments", handler.handleCommentLogbook)
	protected.POST("/logbooks/:id/attachments", handler.handleAttachLogbook)
	protected.GET("/logbooks/:id/stream", handler.handleLogbookStream)
	protected.POST("/logbooks/:id/stream/resolve", handler.handleResolveLogbookConflict)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/registrations", handler.handleListRegistrations)
	admin.GET("/registrations/:id", handler.handleGetRegistration)
	admin.POST("/registrations/bulk", handler.handleBulk)
	admin.POST("/registrations/:id/steps/:step", handler.handleVerifyStep)
	admin.POST("/registrations/:id/verify", handler.handleVerifyRegistration)
	admin.POST("/registrations/:id/reject", handler.handleRejectApplication)
	admin.GET("/settings", handler.handleGetSettings)
	admin.PUT("/settings", handler.handleUpdateSettings)
	admin.GET("/audit/:collection/:id", handler.handleAuditHistory)
	protected.POST("/logbooks/:id/review", handler.requireAdmin, handler.handleReviewLogbook)

	return router, nil
}

// corsMiddleware allows credentialed requests only from configured origins. Without any, every
// origin may call the API but browsers will not attach the session cookie.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOrigins = []string{"*"}
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "auth.unauthorized"})
		return
	}
	// The token's role claim never grants anything; only the stored role does.
	principal.Role = auth.RoleCandidate
	if h.roles != nil {
		role, err := h.roles.ResolveRole(c.Request.Context(), principal)
		if err != nil {
			h.logger.Error("role resolution failed", zap.String("user_id", principal.UserID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{Error: "role lookup failed", Code: "auth.role_unavailable"})
			return
		}
		principal.Role = role
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !principalFrom(c).IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "admin role required", Code: "auth.forbidden"})
		return
	}
	c.Next()
}

func principalFrom(c *gin.Context) auth.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}
	}
	principal, _ := value.(auth.Principal)
	return principal
}

func (h *httpHandler) handleFile(c *gin.Context) {
	data, ok := h.files.Object(c.Param("path"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "file not found", Code: "files.not_found"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}
