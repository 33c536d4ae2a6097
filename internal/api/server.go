// Package api exposes the gateway over HTTP: the authenticated proxy
// surface, the tenant administration endpoints, the OAuth browser
// flow, and the operational endpoints.
package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/errors"
	"github.com/ledgergate/ledgergate/internal/gateway"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/metrics"
	"github.com/ledgergate/ledgergate/internal/tokenstore"
)

// maxProxyBody caps request bodies forwarded to the remote API.
const maxProxyBody = 1 << 20

// Server represents the HTTP API server
type Server struct {
	engine     *gin.Engine
	config     config.ServerConfig
	apiConfig  config.APIConfig
	gateway    *gateway.Client
	store      *tokenstore.Store
	metrics    *metrics.Metrics
	logger     *logging.Logger
	limiter    *ipRateLimiter
	states     *stateRegistry
	httpServer *http.Server
}

// Router returns the gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, gw *gateway.Client, store *tokenstore.Store, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if logger == nil {
		logger = logging.NewLogger()
	}

	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 60
	}

	server := &Server{
		engine:    gin.New(),
		config:    cfg,
		apiConfig: apiCfg,
		gateway:   gw,
		store:     store,
		metrics:   m,
		logger:    logger,
		limiter:   newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst),
		states:    newStateRegistry(10 * time.Minute),
	}
	server.engine.HandleMethodNotAllowed = true

	server.engine.Use(gin.Recovery())
	server.engine.Use(rateLimitMiddleware(server.limiter))
	server.engine.Use(loggingMiddleware(logger))
	if m != nil {
		server.engine.Use(metrics.Middleware(m, logger))
	}

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.engine.GET("/healthz", s.handleHealth)

	// The callback arrives from the operator's browser, outside any
	// API-key context. The state check stands in for authentication.
	s.engine.GET("/oauth/callback", s.handleOAuthCallback)

	var apiKeys []string
	if s.apiConfig.Auth.Enabled {
		apiKeys = s.apiConfig.Auth.APIKeys
	}
	authMiddleware := APIKeyAuth(apiKeys, s.apiConfig.Auth.HeaderName, s.logger)

	authorized := s.engine.Group("")
	authorized.Use(authMiddleware)
	{
		authorized.GET("/oauth/authorize", s.handleOAuthAuthorize)
		authorized.GET("/tenants", s.handleListTenants)
		authorized.POST("/tenants/:tenant_id/credential", s.handleImportCredential)
		authorized.DELETE("/tenants/:tenant_id", s.handleRevokeTenant)

		basePath := s.apiConfig.BasePath
		if basePath == "" {
			basePath = "/api"
		}
		authorized.Any(basePath+"/*path", s.handleProxy)
	}
}

// handleProxy forwards one call to the remote API through the
// credential pipeline. The tenant comes from the X-Tenant-ID header or
// the tenant query parameter; everything else of the query string is
// passed through.
func (s *Server) handleProxy(c *gin.Context) {
	path := c.Param("path")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProxyBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > maxProxyBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	tenantID := c.GetHeader("X-Tenant-ID")
	params := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "tenant" {
			if tenantID == "" {
				tenantID = values[0]
			}
			continue
		}
		params[key] = values[0]
	}

	resp, err := s.gateway.Call(c.Request.Context(), tenantID, c.Request.Method, path, params, body)
	if err != nil {
		s.writeCallError(c, err)
		return
	}

	cacheStatus := "MISS"
	if resp.FromCache {
		cacheStatus = "HIT"
	}
	c.Header("X-Ledgergate-Cache", cacheStatus)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

// writeCallError maps pipeline failures onto HTTP statuses. Anything
// that means "the stored credential is gone or useless" is a 401 with
// a reauthorization hint; remote rejections pass through their status.
func (s *Server) writeCallError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	var reauth *errors.ErrReauthRequired
	var remote *errors.ErrRemoteAPI
	var guard *errors.ErrRetryGuard
	var fatal *errors.ErrRefreshFatal

	switch {
	case errors.IsReauthRequired(err):
		response := gin.H{"error": "reauthorization_required", "message": err.Error()}
		if stderrors.As(err, &reauth) {
			response["tenant_id"] = reauth.TenantID
			response["credential_deleted"] = reauth.Deleted
		}
		c.JSON(http.StatusUnauthorized, response)

	case stderrors.As(err, &guard):
		s.logger.ErrorWithContext(ctx, "retry guard tripped", "tenant_id", guard.TenantID, "path", guard.Path)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "remote_rejected_fresh_token",
			"message": err.Error(),
		})

	case stderrors.As(err, &fatal):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "oauth_client_rejected",
			"message": err.Error(),
		})

	case stderrors.As(err, &remote):
		c.JSON(remote.StatusCode, gin.H{
			"error":   "remote_error",
			"message": remote.Message,
		})

	case errors.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "refresh_unavailable",
			"message": err.Error(),
		})

	default:
		s.logger.ErrorWithContext(ctx, "proxy call failed", "error", err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_failure", "message": err.Error()})
	}
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"tenants":   s.store.Len(),
	})
}

// TenantStatus is one row of the tenant listing.
type TenantStatus struct {
	TenantID         string `json:"tenant_id"`
	State            string `json:"state"`
	RemainingMinutes int    `json:"remaining_minutes"`
	ExpiresAt        int64  `json:"expires_at"`
	Refreshable      bool   `json:"refreshable"`
}

// handleListTenants returns every stored credential with its expiry
// classification. Token material never leaves the store.
func (s *Server) handleListTenants(c *gin.Context) {
	ids := s.store.TenantIDs()
	statuses := make([]TenantStatus, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.store.Get(id)
		if !ok {
			continue
		}
		cls := s.store.Classify(rec)
		statuses = append(statuses, TenantStatus{
			TenantID:         id,
			State:            string(cls.State),
			RemainingMinutes: cls.RemainingMinutes,
			ExpiresAt:        rec.ExpiresAt,
			Refreshable:      rec.Refreshable(),
		})
	}
	c.JSON(http.StatusOK, statuses)
}

// ImportCredentialRequest is a manually supplied token pair.
type ImportCredentialRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in" binding:"required,min=1"`
}

// handleImportCredential stores an externally obtained credential.
func (s *Server) handleImportCredential(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var req ImportCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.gateway.SetManualCredential(tenantID, req.AccessToken, req.RefreshToken, req.ExpiresIn); err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "credential import failed",
			"tenant_id", tenantID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.InfoWithContext(c.Request.Context(), "credential imported", "tenant_id", tenantID)
	c.JSON(http.StatusCreated, gin.H{"status": "stored", "tenant_id": tenantID})
}

// handleRevokeTenant drops a tenant's credential.
func (s *Server) handleRevokeTenant(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	if _, ok := s.store.Get(tenantID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no credential for tenant"})
		return
	}
	if err := s.gateway.Revoke(tenantID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.InfoWithContext(c.Request.Context(), "credential revoked", "tenant_id", tenantID)
	c.JSON(http.StatusOK, gin.H{"status": "revoked", "tenant_id": tenantID})
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.engine)
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err.Error())
			return &errors.ErrServerShutdown{Err: err}
		}
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}
