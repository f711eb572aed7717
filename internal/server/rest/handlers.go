package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/gin-gonic/gin"
)

const (
	cookiePath   = "/api/auth"
	principalKey = "principal"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type meResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	pair, err := s.sessions.LoginWithPassword(c.Request.Context(), req.Email, req.Password, clientContext(c))
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		s.fail(c, "login", err)
		return
	}

	s.setRefreshCookie(c, pair.RefreshToken)
	c.JSON(http.StatusOK, tokenResponse{AccessToken: pair.AccessToken})
}

func (s *Server) refresh(c *gin.Context) {
	raw := refreshCredential(c)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": common.ReauthenticateMessage})
		return
	}

	pair, err := s.sessions.Refresh(c.Request.Context(), raw, clientContext(c))
	if err != nil {
		if common.IsReauthenticate(err) {
			s.clearRefreshCookie(c)
		}
		s.fail(c, "refresh", err)
		return
	}

	s.setRefreshCookie(c, pair.RefreshToken)
	c.JSON(http.StatusOK, tokenResponse{AccessToken: pair.AccessToken})
}

// logout always succeeds for the caller; store failures are only logged.
func (s *Server) logout(c *gin.Context) {
	if raw := refreshCredential(c); raw != "" {
		if err := s.sessions.Logout(c.Request.Context(), raw); err != nil {
			s.logger.Error(c.Request.Context(), "logout failed", "error", err.Error())
		}
	}

	s.clearRefreshCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (s *Server) me(c *gin.Context) {
	p := c.MustGet(principalKey).(*models.Principal)
	c.JSON(http.StatusOK, meResponse{ID: p.ID, Email: p.Email})
}

// requireAccess accepts a Bearer header or the access_token cookie.
func (s *Server) requireAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			token, _ = c.Cookie(common.AccessTokenHeaderName)
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Access token required"})
			return
		}

		p, err := s.sessions.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": common.ReauthenticateMessage})
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// fail writes the status for a service error. Credential rejections all look
// the same to the caller.
func (s *Server) fail(c *gin.Context, op string, err error) {
	ctx := c.Request.Context()
	switch {
	case common.IsReauthenticate(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": common.ReauthenticateMessage})
	case common.IsRetriable(err):
		s.logger.Warn(ctx, op+" failed", "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
	default:
		s.logger.Error(ctx, op+" failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) setRefreshCookie(c *gin.Context, raw string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(common.RefreshTokenCookieName, raw, int(s.cfg.RefreshTTL.Seconds()), cookiePath, "", s.cfg.CookieSecure, true)
}

func (s *Server) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(common.RefreshTokenCookieName, "", -1, cookiePath, "", s.cfg.CookieSecure, true)
}

// refreshCredential reads the cookie first and falls back to a JSON body.
func refreshCredential(c *gin.Context) string {
	if raw, err := c.Cookie(common.RefreshTokenCookieName); err == nil && raw != "" {
		return raw
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return ""
	}
	return req.RefreshToken
}

func bearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientContext(c *gin.Context) models.ClientContext {
	return models.ClientContext{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}
