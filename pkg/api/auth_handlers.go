package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tracker/pkg/auth"
	"github.com/platinummonkey/tracker/pkg/contextkeys"
	"github.com/platinummonkey/tracker/pkg/httputil"
	"github.com/platinummonkey/tracker/pkg/middleware"
)

// AuthHandlers handles authentication-related HTTP requests
type AuthHandlers struct {
	service *auth.Service
	logger  logrus.FieldLogger
}

// NewAuthHandlers creates a new auth handlers instance
func NewAuthHandlers(service *auth.Service, logger logrus.FieldLogger) *AuthHandlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuthHandlers{
		service: service,
		logger:  logger.WithField("component", "api"),
	}
}

// RegisterRoutes registers authentication routes on the versioned router.
// loginLimit may be nil to disable the per-IP login limit.
func (h *AuthHandlers) RegisterRoutes(router *mux.Router, authn *middleware.AuthMiddleware, loginLimit *middleware.RateLimitMiddleware) {
	// Public routes
	router.HandleFunc("/auth/register", h.register).Methods("POST")
	var login http.Handler = http.HandlerFunc(h.login)
	if loginLimit != nil {
		login = loginLimit.Handler(login)
	}
	router.Handle("/auth/login", login).Methods("POST")
	router.HandleFunc("/auth/refresh", h.refresh).Methods("POST")

	// Authenticated routes
	router.Handle("/auth/logout", authn.Handler(http.HandlerFunc(h.logout))).Methods("POST")
	router.Handle("/auth/me", authn.Handler(http.HandlerFunc(h.me))).Methods("GET")
	router.Handle("/auth/change-password", authn.Handler(http.HandlerFunc(h.changePassword))).Methods("POST")
	router.Handle("/auth/logout-all", authn.Handler(http.HandlerFunc(h.logoutAll))).Methods("POST")
	router.Handle("/auth/sessions", authn.Handler(http.HandlerFunc(h.listSessions))).Methods("GET")

	// Admin routes
	adminOnly := middleware.RequireRole(auth.RoleAdmin)
	router.Handle("/admin/accounts/unlock", authn.Handler(adminOnly(http.HandlerFunc(h.unlock)))).Methods("POST")
	router.Handle("/admin/accounts/{id}/status", authn.Handler(adminOnly(http.HandlerFunc(h.setStatus)))).Methods("PUT")
	router.Handle("/admin/accounts/{id}/role", authn.Handler(adminOnly(http.HandlerFunc(h.setRole)))).Methods("PUT")
}

// register handles POST /auth/register
func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	identity, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	httputil.WriteCreated(w, identity)
}

// login handles POST /auth/login
func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	pair, err := h.service.Login(r.Context(), req.Email, req.Password, httputil.RequestClientIP(r))
	if err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	httputil.WriteSuccess(w, pair)
}

// refresh handles POST /auth/refresh
func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	pair, err := h.service.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	httputil.WriteSuccess(w, pair)
}

// logout handles POST /auth/logout
func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	accessToken, _ := httputil.BearerToken(r)
	if err := h.service.Logout(r.Context(), accessToken, req.RefreshToken); err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	httputil.WriteNoContent(w)
}

// me handles GET /auth/me
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, httputil.CodeAuthFailed, "authentication required")
		return
	}
	httputil.WriteSuccess(w, authCtx.Identity)
}

// changePassword handles POST /auth/change-password
func (h *AuthHandlers) changePassword(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, httputil.CodeAuthFailed, "authentication required")
		return
	}

	var req ChangePasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	if _, err := h.service.ChangePassword(r.Context(), authCtx.Identity, req.CurrentPassword, req.NewPassword); err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	httputil.WriteNoContent(w)
}

// logoutAll handles POST /auth/logout-all
func (h *AuthHandlers) logoutAll(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, httputil.CodeAuthFailed, "authentication required")
		return
	}

	count, err := h.service.LogoutAll(r.Context(), authCtx.Identity.ID)
	if err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	httputil.WriteSuccess(w, LogoutAllResponse{RevokedSessions: count})
}

// listSessions handles GET /auth/sessions
func (h *AuthHandlers) listSessions(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, httputil.CodeAuthFailed, "authentication required")
		return
	}

	ids, err := h.service.ListSessions(r.Context(), authCtx.Identity.ID)
	if err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	httputil.WriteSuccess(w, SessionsResponse{Sessions: ids, Count: len(ids)})
}

// unlock handles POST /admin/accounts/unlock
func (h *AuthHandlers) unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	if err := h.service.Unlock(r.Context(), req.Email); err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"email":    auth.NormalizeEmail(req.Email),
		"admin_id": contextkeys.GetUserID(r.Context()),
	}).Info("Account unlocked by administrator")
	httputil.WriteNoContent(w)
}

// setStatus handles PUT /admin/accounts/{id}/status
func (h *AuthHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req AccountStatusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	adminID := contextkeys.GetUserID(r.Context())
	if !*req.Active && id == adminID {
		httputil.WriteBadRequest(w, "administrators cannot deactivate their own account")
		return
	}

	revoked, err := h.service.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"identity_id":      id,
		"active":           *req.Active,
		"revoked_sessions": revoked,
		"admin_id":         adminID,
	}).Info("Account status changed by administrator")
	httputil.WriteSuccess(w, AccountStatusResponse{ID: id, Active: *req.Active, RevokedSessions: revoked})
}

// setRole handles PUT /admin/accounts/{id}/role
func (h *AuthHandlers) setRole(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if errs := req.Validate(); errs != nil {
		httputil.WriteValidationError(w, errs)
		return
	}

	if err := h.service.SetRole(r.Context(), id, auth.Role(req.Role)); err != nil {
		httputil.WriteAuthError(w, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"identity_id": id,
		"role":        req.Role,
		"admin_id":    contextkeys.GetUserID(r.Context()),
	}).Info("Account role changed by administrator")
	httputil.WriteNoContent(w)
}
