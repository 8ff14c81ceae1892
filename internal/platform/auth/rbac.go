package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/imageehr/ehr/internal/domain/principal"
)

// LoginPath is where browser callers without a session are sent.
const LoginPath = "/login"

// errRedirected means enforce already wrote the login redirect.
var errRedirected = errors.New("auth: redirected to login")

// Require returns middleware that runs Authorize against req. Callers with no
// session get 401, or a redirect to the login page when they asked for
// HTML; callers with the wrong role or clinic get 403.
func Require(req Requirement) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := enforce(c, req); err != nil {
				return handled(err)
			}
			return next(c)
		}
	}
}

// RequireRole is Require for a role set only.
func RequireRole(roles ...principal.Role) echo.MiddlewareFunc {
	return Require(RequireRoles(roles...))
}

// RequireClinicParam returns middleware that reads the required clinic from
// the named path parameter (or query parameter) and checks it together with
// roles.
func RequireClinicParam(param string, roles ...principal.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Param(param)
			if raw == "" {
				raw = c.QueryParam(param)
			}
			clinic, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic id")
			}
			if err := enforce(c, RequireRoles(roles...).ForClinic(clinic)); err != nil {
				return handled(err)
			}
			return next(c)
		}
	}
}

func enforce(c echo.Context, req Requirement) error {
	d := Authorize(SessionFromContext(c.Request().Context()), req)
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case NoSession:
		if WantsHTML(c.Request()) {
			if err := c.Redirect(http.StatusFound, LoginPath+"?next="+url.QueryEscape(c.Request().URL.RequestURI())); err != nil {
				return err
			}
			return errRedirected
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case ClinicMismatch:
		return echo.NewHTTPError(http.StatusForbidden, "clinic not permitted")
	default:
		return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
	}
}

// handled maps errRedirected to nil so the response already written stands
// and the wrapped handler never runs.
func handled(err error) error {
	if errors.Is(err, errRedirected) {
		return nil
	}
	return err
}

// WantsHTML reports whether the request comes from a browser navigation
// rather than an API client.
func WantsHTML(r *http.Request) bool {
	if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		return false
	}
	accept := r.Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, echo.MIMETextHTML) && !strings.HasPrefix(accept, echo.MIMEApplicationJSON)
}
