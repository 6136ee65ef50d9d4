package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthpal/healthpal-api/internal/platform/auth"
	"github.com/healthpal/healthpal-api/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the signed-in account routes on authGroup and the
// admin routes on adminGroup. protect authenticates both.
func (h *Handler) RegisterRoutes(authGroup, adminGroup *echo.Group, protect echo.MiddlewareFunc) {
	self := authGroup.Group("", protect)
	self.GET("/me", h.Me)
	self.PUT("/profile", h.UpdateProfile)
	self.PUT("/password", h.ChangePassword)
	self.PUT("/notification-settings", h.UpdateNotificationSettings)

	admin := adminGroup.Group("", protect, auth.Authorize(string(RoleAdmin)))
	admin.GET("/identities", h.List)
	admin.GET("/identities/:id", h.Get)
	admin.PUT("/doctors/:id/verification", h.SetVerification)
}

type identityResponse struct {
	Success bool  `json:"success"`
	User    *View `json:"user"`
}

func (h *Handler) Me(c echo.Context) error {
	id, err := callerID(c)
	if err != nil {
		return err
	}
	ident, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, identityResponse{Success: true, User: ident.View()})
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	id, err := callerID(c)
	if err != nil {
		return err
	}
	var upd ProfileUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ident, err := h.svc.UpdateProfile(c.Request().Context(), id, upd)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, identityResponse{Success: true, User: ident.View()})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) ChangePassword(c echo.Context) error {
	id, err := callerID(c)
	if err != nil {
		return err
	}
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ChangePassword(c.Request().Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Password updated successfully",
	})
}

func (h *Handler) UpdateNotificationSettings(c echo.Context) error {
	id, err := callerID(c)
	if err != nil {
		return err
	}
	var settings NotificationSettings
	if err := c.Bind(&settings); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ident, err := h.svc.UpdateNotificationSettings(c.Request().Context(), id, settings)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":              true,
		"notificationSettings": ident.NotificationSettings,
	})
}

// -- Admin --

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	filter := ListFilter{
		Role:               Role(c.QueryParam("role")),
		VerificationStatus: VerificationStatus(c.QueryParam("verificationStatus")),
	}
	idents, total, err := h.svc.List(c.Request().Context(), filter, p.Limit, p.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	views := make([]*View, 0, len(idents))
	for _, ident := range idents {
		views = append(views, ident.View())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, p))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ident, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, identityResponse{Success: true, User: ident.View()})
}

type verificationRequest struct {
	Status VerificationStatus `json:"status"`
}

func (h *Handler) SetVerification(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req verificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ident, err := h.svc.SetVerificationStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, identityResponse{Success: true, User: ident.View()})
}

func callerID(c echo.Context) (uuid.UUID, error) {
	p, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "Not authorized, no token")
	}
	id, err := uuid.Parse(p.IdentityID)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "Not authorized, token failed")
	}
	return id, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "User not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrWrongPassword):
		return echo.NewHTTPError(http.StatusUnauthorized, "Current password is incorrect")
	case errors.Is(err, ErrDuplicateEmail):
		return echo.NewHTTPError(http.StatusConflict, "User with this email already exists")
	}
	return err
}
