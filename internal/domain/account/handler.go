package account

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthpal/healthpal-api/internal/domain/identity"
	"github.com/healthpal/healthpal-api/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the sign-in routes on g (normally /api/auth).
func (h *Handler) RegisterRoutes(g *echo.Group, protect echo.MiddlewareFunc) {
	g.POST("/register", h.Register)
	g.POST("/register-google", h.FederatedLogin)
	g.POST("/login", h.Login)
	g.POST("/admin-login", h.AdminLogin)
	g.POST("/google", h.FederatedLogin)
	g.POST("/authenticate", h.Authenticate)
	g.POST("/verify", h.Verify)
	g.GET("/verify", h.VerifyBearer, protect)
}

type sessionResponse struct {
	Success bool           `json:"success"`
	Token   string         `json:"token"`
	User    *identity.View `json:"user"`
	Message string         `json:"message,omitempty"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, newSessionResponse(sess, ""))
}

func (h *Handler) Login(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess, ""))
}

func (h *Handler) AdminLogin(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.AdminLogin(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess, ""))
}

func (h *Handler) FederatedLogin(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Firebase token is required")
	}
	sess, err := h.svc.FederatedLogin(c.Request().Context(), req.Token)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess, ""))
}

// Authenticate refreshes a session without the approval gate.
func (h *Handler) Authenticate(c echo.Context) error {
	return h.refresh(c, false)
}

// Verify refreshes a session and refuses unapproved doctors.
func (h *Handler) Verify(c echo.Context) error {
	return h.refresh(c, true)
}

// VerifyBearer is Verify with the token taken from the Authorization header.
func (h *Handler) VerifyBearer(c echo.Context) error {
	token, ok := auth.BearerToken(c.Request())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Not authorized, no token")
	}
	sess, err := h.svc.Refresh(c.Request().Context(), token, true)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess, "Token is valid"))
}

func (h *Handler) refresh(c echo.Context, requireApproved bool) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "No token provided")
	}
	sess, err := h.svc.Refresh(c.Request().Context(), req.Token, requireApproved)
	if err != nil {
		return h.fail(c, err)
	}
	msg := ""
	if requireApproved {
		msg = "Token is valid"
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess, msg))
}

func newSessionResponse(sess *Session, msg string) sessionResponse {
	return sessionResponse{
		Success: true,
		Token:   sess.Token,
		User:    sess.Identity.View(),
		Message: msg,
	}
}

// fail translates gateway errors into HTTP responses. Unknown errors are
// passed through to the central error handler as 500s.
func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrPendingVerification):
		return c.JSON(http.StatusForbidden, map[string]interface{}{
			"success":             false,
			"message":             "Your account is pending verification by an administrator",
			"pendingVerification": true,
		})
	case errors.Is(err, identity.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, identity.ErrDuplicateEmail):
		return echo.NewHTTPError(http.StatusConflict, "User with this email already exists")
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "Access denied. Admin privileges required.")
	case errors.Is(err, auth.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token").SetInternal(err)
	case errors.Is(err, ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, "User not found").SetInternal(err)
	case errors.Is(err, ErrFederatedDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Google sign-in is not available")
	case errors.Is(err, auth.ErrFederatedAuth):
		return echo.NewHTTPError(http.StatusUnauthorized, "Firebase Authentication Error").SetInternal(err)
	}
	return err
}
