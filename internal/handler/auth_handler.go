package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wace-auth/internal/apperr"
	"wace-auth/internal/service"
	"wace-auth/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	cookieAccessToken  = "accessToken"
	cookieRefreshToken = "refreshToken"
	cookieSessionID    = "sessionId"

	accessCookieMaxAge  = 15 * time.Minute
	refreshCookieMaxAge = 7 * 24 * time.Hour
	sessionCookieMaxAge = 24 * time.Hour
)

// AuthHandler handles HTTP requests for the auth flows
type AuthHandler struct {
	authService *service.AuthService
	validate    *validator.Validate
	production  bool
	logger      *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService, production bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validate:    validator.New(),
		production:  production,
		logger:      logger,
	}
}

// ErrorResponse is the single error envelope of the API
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	RetryAfter int      `json:"retryAfter,omitempty"`
	Details    []string `json:"details,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"omitempty,max=100"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password"`
	UseOTP   *bool  `json:"useOTP"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type UserResponse struct {
	User any `json:"user"`
}

type SessionCheckResponse struct {
	Authenticated bool `json:"authenticated"`
	User          any  `json:"user,omitempty"`
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/resend-otp", h.ResendOTP)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
		r.Get("/check-session", h.CheckSession)

		if !h.production {
			r.Post("/clear-rate-limit", h.ClearRateLimit)
		}
	})
}

// Register handles account creation
// @Summary Register a new account
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} service.AuthResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := h.decode(r, &req); err != nil {
		// Malformed bodies still count against registration_ip.
		if limitErr := h.authService.RejectRegistration(r.Context(), requestMeta(r)); limitErr != nil {
			err = limitErr
		}
		h.respondWithError(w, err)
		return
	}

	res, err := h.authService.Register(r.Context(), service.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	}, requestMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.setAuthCookies(w, res)
	h.respondWithJSON(w, http.StatusCreated, res)
}

// Login handles OTP and password login
// @Summary Start an OTP login or log in with a password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} service.CodeSent
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	res, err := h.authService.Login(r.Context(), service.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		UseOTP:   req.UseOTP,
	}, requestMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if res.Session != nil {
		h.setAuthCookies(w, res.Session)
		h.respondWithJSON(w, http.StatusOK, res.Session)
		return
	}
	h.respondWithJSON(w, http.StatusOK, res.Code)
}

// ResendOTP handles code re-delivery
// @Summary Send a new verification code
// @Tags auth
// @Accept json
// @Produce json
// @Param request body EmailRequest true "Email"
// @Success 200 {object} service.CodeSent
// @Failure 429 {object} ErrorResponse
// @Router /auth/resend-otp [post]
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	res, err := h.authService.ResendOTP(r.Context(), req.Email, requestMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, res)
}

// VerifyOTP handles code verification
// @Summary Verify a code and start a session
// @Tags auth
// @Accept json
// @Produce json
// @Param request body VerifyOTPRequest true "Email and code"
// @Success 200 {object} service.AuthResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/verify-otp [post]
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	res, err := h.authService.VerifyOTP(r.Context(), req.Email, req.Code, requestMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.setAuthCookies(w, res)
	h.respondWithJSON(w, http.StatusOK, res)
}

// Refresh handles token rotation
// @Summary Rotate the refresh token
// @Tags auth
// @Produce json
// @Success 200 {object} service.AuthResult
// @Failure 401 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := cookieValue(r, cookieRefreshToken)
	if refreshToken == "" && r.ContentLength != 0 {
		var req RefreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			refreshToken = req.RefreshToken
		}
	}

	res, err := h.authService.Refresh(r.Context(), refreshToken, requestMeta(r))
	if err != nil {
		if errors.Is(err, apperr.ErrReuseDetected) {
			h.clearAuthCookies(w)
		}
		h.respondWithError(w, err)
		return
	}

	h.setAuthCookies(w, res)
	h.respondWithJSON(w, http.StatusOK, res)
}

// Logout handles session termination. It always succeeds.
// @Summary Log out
// @Tags auth
// @Produce json
// @Success 200 {object} MessageResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authService.Logout(r.Context(),
		cookieValue(r, cookieSessionID),
		accessToken(r),
		cookieValue(r, cookieRefreshToken),
		requestMeta(r),
	)

	h.clearAuthCookies(w)
	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

// Me returns the current user, or null
// @Summary Current user
// @Tags auth
// @Produce json
// @Success 200 {object} UserResponse
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token, sessionID := accessToken(r), cookieValue(r, cookieSessionID)

	user, err := h.authService.Me(r.Context(), token, sessionID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if user == nil {
		if token != "" || sessionID != "" {
			h.clearAuthCookies(w)
		}
		h.respondWithJSON(w, http.StatusOK, UserResponse{User: nil})
		return
	}
	h.respondWithJSON(w, http.StatusOK, UserResponse{User: user})
}

// CheckSession reports whether the caller has a live session
// @Summary Check session
// @Tags auth
// @Produce json
// @Success 200 {object} SessionCheckResponse
// @Failure 401 {object} SessionCheckResponse
// @Router /auth/check-session [get]
func (h *AuthHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	user, err := h.authService.Me(r.Context(), accessToken(r), cookieValue(r, cookieSessionID))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if user == nil {
		h.respondWithJSON(w, http.StatusUnauthorized, SessionCheckResponse{Authenticated: false})
		return
	}
	h.respondWithJSON(w, http.StatusOK, SessionCheckResponse{Authenticated: true, User: user})
}

// ClearRateLimit resets the caller's rate-limit buckets (non-production only)
// @Summary Clear rate limits
// @Tags auth
// @Accept json
// @Produce json
// @Param request body EmailRequest true "Email"
// @Success 200 {object} map[string]any
// @Router /auth/clear-rate-limit [post]
func (h *AuthHandler) ClearRateLimit(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	ip := util.ClientIP(r)
	if err := h.authService.ClearRateLimits(req.Email, ip); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Rate limits cleared",
		"email":   req.Email,
		"ip":      ip,
	})
}

// ===================== HELPERS =====================

func (h *AuthHandler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("Invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperr.Validation("Invalid request body")
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fieldMessage(fe))
		}
		return apperr.Validation(details[0], details...)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "Invalid email format"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return field + " is invalid"
	}
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{IP: util.ClientIP(r), UserAgent: r.UserAgent()}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// accessToken reads the access cookie, then a Bearer header.
func accessToken(r *http.Request) string {
	if v := cookieValue(r, cookieAccessToken); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (h *AuthHandler) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.production,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) setAuthCookies(w http.ResponseWriter, res *service.AuthResult) {
	http.SetCookie(w, h.cookie(cookieAccessToken, res.AccessToken, int(accessCookieMaxAge.Seconds())))
	http.SetCookie(w, h.cookie(cookieRefreshToken, res.RefreshToken, int(refreshCookieMaxAge.Seconds())))
	http.SetCookie(w, h.cookie(cookieSessionID, res.SessionID, int(sessionCookieMaxAge.Seconds())))
}

// clearAuthCookies expires all three cookies (Max-Age=0 on the wire).
func (h *AuthHandler) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{cookieAccessToken, cookieRefreshToken, cookieSessionID} {
		http.SetCookie(w, h.cookie(name, "", -1))
	}
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, data, h.logger)
}

// respondWithError maps err to the error envelope
func (h *AuthHandler) respondWithError(w http.ResponseWriter, err error) {
	statusCode := getStatusCode(err)

	resp := ErrorResponse{
		Error: clientMessage(err, statusCode),
		Code:  apperr.KindOf(err).String(),
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		resp.Details = appErr.Details
		if appErr.Kind == apperr.KindValidation && len(resp.Details) == 1 && resp.Details[0] == resp.Error {
			resp.Details = nil
		}
	}
	if statusCode == http.StatusTooManyRequests {
		resp.RetryAfter = apperr.RetryAfterOf(err)
		if resp.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", resp.RetryAfter))
		}
	}

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode))
	} else {
		h.logger.Debug("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode))
	}
	h.respondWithJSON(w, statusCode, resp)
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrExpired):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidCredentials),
		errors.Is(err, apperr.ErrTokenInvalid),
		errors.Is(err, apperr.ErrReuseDetected):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrRateLimited),
		errors.Is(err, apperr.ErrTooSoon),
		errors.Is(err, apperr.ErrAttemptsExhausted):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage hides storage and internal failures behind a generic text.
func clientMessage(err error, statusCode int) string {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return "Internal server error"
	}
	switch appErr.Kind {
	case apperr.KindStorage, apperr.KindInternal:
		return "Internal server error"
	}
	if appErr.Message == "" {
		return http.StatusText(statusCode)
	}
	return appErr.Message
}
