package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ironbooks/internal/auth"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/identity"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/profiles"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey = "ironbooks_session_claims"
	requestIDContextKey     = "ironbooks_request_id"
	requestIDHeader         = "X-Request-ID"
	identityEventName       = "identity"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileService   = errors.New("profile service dependency required")
	errMissingRegistry         = errors.New("impersonation registry dependency required")
)

// SessionValidator authenticates requests against TAuth session tokens.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileService is the slice of the profile store the HTTP layer depends on.
type ProfileService interface {
	identity.ProfileLookup
	ListProfiles(ctx context.Context) ([]profiles.Profile, error)
	RecordSignIn(ctx context.Context, claims auth.SessionClaims) error
}

// Dependencies lists the collaborators of the HTTP handler.
type Dependencies struct {
	Sessions       SessionValidator
	Profiles       ProfileService
	Impersonation  *identity.Registry
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewHTTPHandler wires the identity and impersonation endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileService
	}
	if deps.Impersonation == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		profiles:      deps.Profiles,
		impersonation: deps.Impersonation,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	viewer := router.Group("/")
	viewer.Use(handler.authenticateRequest)
	viewer.GET("/identity", handler.handleIdentity)
	viewer.GET("/identity/stream", handler.handleIdentityStream)

	admin := router.Group("/admin")
	admin.Use(handler.authenticateRequest, handler.requireAdmin)
	admin.GET("/users", handler.handleListUsers)
	admin.GET("/impersonation", handler.handleGetImpersonation)
	admin.PUT("/impersonation", handler.handleSetImpersonation)
	admin.DELETE("/impersonation", handler.handleClearImpersonation)

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	profiles      ProfileService
	impersonation *identity.Registry
	logger        *zap.Logger
}

type targetPayload struct {
	UserID  string  `json:"userId"`
	Email   string  `json:"email"`
	Name    *string `json:"name"`
	RealmID *string `json:"realmId"`
}

type impersonationStatusPayload struct {
	Active bool           `json:"active"`
	Target *targetPayload `json:"target"`
}

type usersResponsePayload struct {
	Users []targetPayload `json:"users"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleIdentity(c *gin.Context) {
	resolver, ok := h.resolverFor(c)
	if !ok {
		return
	}
	if claims, signedIn := sessionClaims(c); signedIn {
		if err := h.profiles.RecordSignIn(c.Request.Context(), claims); err != nil {
			h.requestLogger(c).Warn("failed to record sign-in", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, resolver.Resolve(c.Request.Context()))
}

func (h *httpHandler) handleIdentityStream(c *gin.Context) {
	resolver, ok := h.resolverFor(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	updates := make(chan identity.EffectiveIdentity, 1)
	watcher := resolver.Watch(ctx, func(resolved identity.EffectiveIdentity) {
		// keep only the newest identity for a slow reader.
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- resolved:
		default:
		}
	})
	defer watcher.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case resolved := <-updates:
			c.SSEvent(identityEventName, resolved)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	listed, err := h.profiles.ListProfiles(c.Request.Context())
	if err != nil {
		h.requestLogger(c).Error("failed to list profiles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_users_failed"})
		return
	}
	response := usersResponsePayload{Users: make([]targetPayload, 0, len(listed))}
	for _, profile := range listed {
		response.Users = append(response.Users, targetPayload{
			UserID:  profile.UserID,
			Email:   profile.Email,
			Name:    profile.DisplayName,
			RealmID: profile.RealmID,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetImpersonation(c *gin.Context) {
	impersonation, ok := h.adminContext(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusPayload(impersonation.Target()))
}

func (h *httpHandler) handleSetImpersonation(c *gin.Context) {
	impersonation, ok := h.adminContext(c)
	if !ok {
		return
	}

	var request targetPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, err := identity.NewTarget(request.UserID, request.Email, request.Name, request.RealmID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	if err := impersonation.SetImpersonation(c.Request.Context(), target); err != nil {
		h.requestLogger(c).Warn("impersonation rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	c.JSON(http.StatusOK, statusPayload(impersonation.Target()))
}

func (h *httpHandler) handleClearImpersonation(c *gin.Context) {
	impersonation, ok := h.adminContext(c)
	if !ok {
		return
	}
	impersonation.ClearImpersonation(c.Request.Context())
	c.JSON(http.StatusOK, statusPayload(nil))
}

// authenticateRequest attaches the session when one validates; anonymous requests continue.
func (h *httpHandler) authenticateRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.requestLogger(c).Info("session validation failed", zap.Error(err))
		default:
			h.requestLogger(c).Warn("session validation failed", zap.Error(err))
		}
		c.Next()
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Request = c.Request.WithContext(auth.WithSession(c.Request.Context(), claims))
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !claims.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// resolverFor builds the request's resolver. Only admins carry an impersonation context.
func (h *httpHandler) resolverFor(c *gin.Context) (*identity.Resolver, bool) {
	var impersonation *identity.ImpersonationContext
	if claims, ok := sessionClaims(c); ok && claims.IsAdmin() {
		var err error
		impersonation, err = h.impersonation.ContextFor(c.Request.Context(), claims.UserID)
		if err != nil {
			h.requestLogger(c).Error("failed to open impersonation context", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
			return nil, false
		}
	}

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Impersonation: impersonation,
		Sessions:      auth.ContextSessionProvider{},
		Profiles:      h.profiles,
		Logger:        h.requestLogger(c),
	})
	if err != nil {
		h.requestLogger(c).Error("failed to build identity resolver", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return nil, false
	}
	return resolver, true
}

func (h *httpHandler) adminContext(c *gin.Context) (*identity.ImpersonationContext, bool) {
	claims, _ := sessionClaims(c)
	impersonation, err := h.impersonation.ContextFor(c.Request.Context(), claims.UserID)
	if err != nil {
		h.requestLogger(c).Error("failed to open impersonation context", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "impersonation_unavailable"})
		return nil, false
	}
	return impersonation, true
}

func (h *httpHandler) requestLogger(c *gin.Context) *zap.Logger {
	fields := []zap.Field{zap.String("request_id", c.GetString(requestIDContextKey))}
	if claims, ok := sessionClaims(c); ok {
		fields = append(fields, zap.String("user_id", claims.UserID))
	}
	return h.logger.With(fields...)
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func statusPayload(target *identity.Target) impersonationStatusPayload {
	if target == nil {
		return impersonationStatusPayload{}
	}
	return impersonationStatusPayload{
		Active: true,
		Target: &targetPayload{
			UserID:  target.UserID,
			Email:   target.Email,
			Name:    target.Name,
			RealmID: target.RealmID,
		},
	}
}

// requestIDMiddleware reuses an incoming X-Request-ID or assigns a new one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// corsMiddleware allows credentials only for explicitly listed origins. A wildcard (or no list)
// admits any origin but never with cookies.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-TAuth-Tenant", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
