package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingSessionManager = errors.New("session manager dependency required")
	errMissingCookieName     = errors.New("session cookie name required")
)

// SessionManager is the core contract the HTTP layer exposes.
type SessionManager interface {
	Current(ctx context.Context, credential string) (sessions.CurrentResult, error)
	SignIn(ctx context.Context, idToken, accessToken string) (sessions.SignInResult, error)
	SignOut(ctx context.Context, credential string) sessions.SignOutResult
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sessions       SessionManager
	CookieName     string
	CookieSecure   bool
	AllowedOrigins []string
	Logger         *zap.Logger
	Clock          func() time.Time
}

// NewHTTPHandler builds the gin router serving the session endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	cookieName := strings.TrimSpace(deps.CookieName)
	if cookieName == "" {
		return nil, errMissingCookieName
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		cookieName:   cookieName,
		cookieSecure: deps.CookieSecure,
		logger:       logger,
		clock:        clock,
	}

	router.GET("/auth/session", handler.handleCurrentSession)
	router.POST("/auth/session", handler.handleSignIn)
	router.DELETE("/auth/session", handler.handleSignOut)

	return router, nil
}

type httpHandler struct {
	sessions     SessionManager
	cookieName   string
	cookieSecure bool
	logger       *zap.Logger
	clock        func() time.Time
}

type signInRequestPayload struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
}

func (h *httpHandler) credentialFromRequest(c *gin.Context) string {
	credential, err := c.Cookie(h.cookieName)
	if err != nil {
		return ""
	}
	return credential
}

func (h *httpHandler) handleCurrentSession(c *gin.Context) {
	credential := h.credentialFromRequest(c)

	result, err := h.sessions.Current(c.Request.Context(), credential)
	switch {
	case errors.Is(err, sessions.ErrInvalidSession):
		h.logger.Info("session verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"authenticated": false, "error": "invalid_session"})
		return
	case err != nil:
		h.logger.Error("session lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_lookup_failed"})
		return
	}

	if !result.Authenticated {
		c.JSON(http.StatusUnauthorized, gin.H{"authenticated": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"authenticated": true, "session": result.View})
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.IDToken) == "" ||
		strings.TrimSpace(request.AccessToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.sessions.SignIn(c.Request.Context(), request.IDToken, request.AccessToken)
	switch {
	case err == nil:
	case errors.Is(err, sessions.ErrInvalidToken):
		h.logger.Info("id token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	case errors.Is(err, sessions.ErrStaleAuthentication):
		h.logger.Info("stale authentication rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "stale_authentication"})
		return
	case errors.Is(err, sessions.ErrInvalidSession):
		h.logger.Warn("minted session failed re-verification", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
		return
	case errors.Is(err, sessions.ErrProfileFetch):
		h.logger.Warn("profile fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "profile_fetch_failed"})
		return
	default:
		h.logger.Error("sign-in failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_failed"})
		return
	}

	maxAge := int(result.ExpiresAt.Sub(h.clock()).Seconds())
	c.SetCookie(h.cookieName, result.Credential, maxAge, "/", "", h.cookieSecure, true)
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"expires_at": result.ExpiresAt.Unix(),
	})
}

// handleSignOut always tears down the local cookie; the remote revoke is
// best-effort and its outcome is only reported, never a failure status.
func (h *httpHandler) handleSignOut(c *gin.Context) {
	credential := h.credentialFromRequest(c)

	result := h.sessions.SignOut(c.Request.Context(), credential)

	c.SetCookie(h.cookieName, "", -1, "/", "", h.cookieSecure, true)
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"revoked": result.Revoked,
	})
}
