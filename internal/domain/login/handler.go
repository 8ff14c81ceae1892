package login

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/imageehr/ehr/internal/domain/principal"
	"github.com/imageehr/ehr/internal/platform/auth"
	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/internal/platform/middleware"
)

const invalidCredentialsMessage = "Invalid username or password"

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// Handler serves sign-in, sign-out and the current-principal endpoints.
type Handler struct {
	orch    *Orchestrator
	cookie  CookieConfig
	clinics principal.ClinicRepository
}

func NewHandler(orch *Orchestrator, cookie CookieConfig, clinics principal.ClinicRepository) *Handler {
	if cookie.Name == "" {
		cookie.Name = auth.DefaultCookieName
	}
	return &Handler{orch: orch, cookie: cookie, clinics: clinics}
}

// RegisterRoutes mounts /login and /logout. loginMW runs in front of the
// login handler only, typically a throttle.
func (h *Handler) RegisterRoutes(e *echo.Echo, loginMW ...echo.MiddlewareFunc) {
	e.POST("/login", h.Login, loginMW...)
	e.GET("/logout", h.Logout)
	e.POST("/logout", h.Logout)
}

// RegisterAPIRoutes mounts the session-protected endpoints on g.
func (h *Handler) RegisterAPIRoutes(g *echo.Group) {
	g.GET("/me", h.Me, auth.Require(auth.Requirement{}))
	g.GET("/clinics/:clinic_id/access", h.ClinicAccess, auth.RequireClinicParam("clinic_id"))
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	Message   string               `json:"message"`
	User      *principal.Principal `json:"user"`
	Redirect  string               `json:"redirect"`
	ExpiresAt time.Time            `json:"expires_at"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		h.orch.Reject(c.Request().Context(), h.attempt(c, ""), reasonInvalidInput)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.orch.Login(c.Request().Context(), Request{
		Username:  req.Username,
		Password:  req.Password,
		ClientIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return loginError(c, err)
	}

	c.SetCookie(&http.Cookie{
		Name:     h.cookie.Name,
		Value:    res.Session.Token,
		Path:     "/",
		Expires:  res.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	if auth.WantsHTML(c.Request()) {
		return c.Redirect(http.StatusFound, res.Redirect)
	}
	return c.JSON(http.StatusOK, loginResponse{
		Message:   "Login successful",
		User:      res.Principal,
		Redirect:  res.Redirect,
		ExpiresAt: res.Session.ExpiresAt,
	})
}

// Throttled is the deny handler for the login throttle. It audits the
// refused attempt under the submitted username when the body can be read.
func (h *Handler) Throttled(c echo.Context) error {
	var req loginRequest
	_ = c.Bind(&req)
	h.orch.Reject(c.Request().Context(), h.attempt(c, req.Username), reasonRateLimited)
	return middleware.ErrRateLimited
}

func (h *Handler) attempt(c echo.Context, username string) Request {
	return Request{
		Username:  username,
		ClientIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

func loginError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, principal.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, principal.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, invalidCredentialsMessage)
	case errors.Is(err, ErrServiceUnavailable):
		c.Response().Header().Set("Retry-After", "5")
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrServiceUnavailable.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func (h *Handler) Logout(c echo.Context) error {
	h.orch.Logout(c.Request().Context(), auth.TokenFromRequest(c, h.cookie.Name))

	c.SetCookie(&http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	if auth.WantsHTML(c.Request()) {
		return c.Redirect(http.StatusFound, auth.LoginPath)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Logged out"})
}

type meResponse struct {
	PrincipalID       uuid.UUID             `json:"id"`
	Username          string                `json:"username"`
	FullName          string                `json:"full_name"`
	Role              principal.Role        `json:"role"`
	ClinicScope       principal.ClinicScope `json:"clinic_id"`
	ClinicName        string                `json:"clinic_name"`
	HasElevatedAccess bool                  `json:"has_elevated_access"`
	ExpiresAt         time.Time             `json:"expires_at"`
}

// Me returns the principal snapshot held by the caller's session.
func (h *Handler) Me(c echo.Context) error {
	s, ok := auth.CurrentPrincipal(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return c.JSON(http.StatusOK, meResponse{
		PrincipalID:       s.PrincipalID,
		Username:          s.Username,
		FullName:          s.FullName,
		Role:              s.Role,
		ClinicScope:       s.ClinicScope,
		ClinicName:        s.ClinicName,
		HasElevatedAccess: s.HasElevatedAccess,
		ExpiresAt:         s.ExpiresAt,
	})
}

// ClinicAccess confirms the caller may act on a clinic. The gate has
// already run by the time it is reached.
func (h *Handler) ClinicAccess(c echo.Context) error {
	s, ok := auth.CurrentPrincipal(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	id, err := uuid.Parse(c.Param("clinic_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic id")
	}

	resp := map[string]interface{}{
		"clinic_id": id,
		"allowed":   true,
		"role":      s.Role,
	}
	if h.clinics != nil {
		clinic, err := h.clinics.GetByID(c.Request().Context(), id)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "clinic not found")
		case errors.Is(err, db.ErrUnavailable):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
		case err != nil:
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
		}
		resp["clinic_name"] = clinic.Name
	}
	return c.JSON(http.StatusOK, resp)
}
