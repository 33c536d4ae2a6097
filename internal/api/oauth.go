package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// stateRegistry tracks outstanding OAuth state values so the callback
// can tell a flow this server started from a forged redirect.
type stateRegistry struct {
	mu      sync.Mutex
	pending map[string]time.Time
	ttl     time.Duration
}

func newStateRegistry(ttl time.Duration) *stateRegistry {
	return &stateRegistry{pending: make(map[string]time.Time), ttl: ttl}
}

func (r *stateRegistry) issue(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s, issued := range r.pending {
		if time.Since(issued) > r.ttl {
			delete(r.pending, s)
		}
	}
	r.pending[state] = time.Now()
}

// consume returns true exactly once per issued, unexpired state.
func (r *stateRegistry) consume(state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	issued, ok := r.pending[state]
	if !ok {
		return false
	}
	delete(r.pending, state)
	return time.Since(issued) <= r.ttl
}

// handleOAuthAuthorize starts the browser grant. It returns the
// authorization URL rather than redirecting so CLI and UI callers can
// both use it; pass redirect=true to get a 302 instead.
func (s *Server) handleOAuthAuthorize(c *gin.Context) {
	authURL, state, err := s.gateway.AuthorizationURL(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.states.issue(state)

	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, authURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization_url": authURL,
		"state":             state,
	})
}

// handleOAuthCallback completes the browser grant: it validates the
// state, exchanges the code, and reports which tenants now hold the
// credential.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		s.logger.WarnWithContext(c.Request.Context(), "authorization denied",
			"error", errCode, "description", c.Query("error_description"))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errCode,
			"message": c.Query("error_description"),
		})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code parameter"})
		return
	}
	if !s.states.consume(c.Query("state")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or expired state parameter"})
		return
	}

	tenants, err := s.gateway.Exchange(c.Request.Context(), code)
	if err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "code exchange failed", "error", err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "authorized",
		"tenants": tenants,
	})
}
