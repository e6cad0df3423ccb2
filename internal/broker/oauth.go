package broker

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// The OAuth surface below exists only because some MCP clients refuse to
// talk to a server without one. It hands out opaque tokens and verifies
// nothing; the broker binds to loopback, so possession of the port is
// the real access control.

func (s *Server) handleProtectedResource(c *gin.Context) {
	base := requestBaseURL(c)
	c.JSON(http.StatusOK, gin.H{
		"resource":              base,
		"authorization_servers": []string{base},
	})
}

func (s *Server) handleAuthServerMetadata(c *gin.Context) {
	base := requestBaseURL(c)
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"registration_endpoint":                 base + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (s *Server) handleRegister(c *gin.Context) {
	meta := map[string]interface{}{}
	// Registration bodies are echoed back; a malformed one just gets a
	// fresh registration with no metadata.
	_ = c.ShouldBindJSON(&meta)
	meta["client_id"] = uuid.NewString()
	meta["client_secret"] = uuid.NewString()
	meta["client_id_issued_at"] = time.Now().Unix()
	c.JSON(http.StatusCreated, meta)
}

func (s *Server) handleAuthorize(c *gin.Context) {
	redirect := c.Query("redirect_uri")
	if redirect == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "redirect_uri is required",
		})
		return
	}
	target, err := url.Parse(redirect)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "redirect_uri is not a valid URL",
		})
		return
	}

	q := target.Query()
	q.Set("code", uuid.NewString())
	if state := c.Query("state"); state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

func (s *Server) handleToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"access_token":  uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": uuid.NewString(),
	})
}

func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}
