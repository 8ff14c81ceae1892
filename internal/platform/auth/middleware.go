package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/internal/platform/session"
)

type contextKey string

const sessionKey contextKey = "session"

// DefaultCookieName is the session cookie used when none is configured.
const DefaultCookieName = "ehr_session"

// PrincipalChecker reports whether a principal may still use its sessions.
type PrincipalChecker interface {
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
}

// SessionConfig configures SessionMiddleware.
type SessionConfig struct {
	Manager    *session.Manager
	Checker    PrincipalChecker
	CookieName string
	Skipper    func(c echo.Context) bool
	Logger     zerolog.Logger
}

// SessionMiddleware resolves the caller's session from the session cookie or
// a bearer token and stores it on the request context. Requests without a
// usable session pass through unauthenticated; Require decides what to do
// with them. When a Checker is set, the principal behind the session is
// re-checked on each use, so a deactivated principal loses access on its
// next request.
func SessionMiddleware(cfg SessionConfig) echo.MiddlewareFunc {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			token := TokenFromRequest(c, cfg.CookieName)
			if token == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			s, err := cfg.Manager.Validate(ctx, token)
			switch {
			case err == nil:
			case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionExpired):
				return next(c)
			default:
				cfg.Logger.Error().Err(err).Msg("session store unavailable")
				return unavailable(c, "session store unavailable")
			}

			if cfg.Checker != nil {
				active, err := cfg.Checker.IsActive(ctx, s.PrincipalID)
				switch {
				case err == nil:
				case errors.Is(err, db.ErrNotFound):
					active = false
				default:
					cfg.Logger.Error().Err(err).Str("principal_id", s.PrincipalID.String()).Msg("principal re-check failed")
					return unavailable(c, "database unavailable")
				}
				if !active {
					cfg.Logger.Info().
						Str("principal_id", s.PrincipalID.String()).
						Str("username", s.Username).
						Msg("session rejected: principal deactivated")
					return next(c)
				}
			}

			c.SetRequest(c.Request().WithContext(WithSession(ctx, s)))
			return next(c)
		}
	}
}

func unavailable(c echo.Context, msg string) error {
	c.Response().Header().Set("Retry-After", "5")
	return echo.NewHTTPError(http.StatusServiceUnavailable, msg)
}

// TokenFromRequest returns the session token from the named cookie, falling
// back to an "Authorization: Bearer" header.
func TokenFromRequest(c echo.Context, cookieName string) string {
	if ck, err := c.Cookie(cookieName); err == nil && ck.Value != "" {
		return ck.Value
	}
	parts := strings.SplitN(c.Request().Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the session stored by SessionMiddleware, or nil.
func SessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}

// CurrentPrincipal returns the authenticated session of the request.
func CurrentPrincipal(c echo.Context) (*session.Session, bool) {
	s := SessionFromContext(c.Request().Context())
	return s, s != nil
}

func UserIDFromContext(ctx context.Context) string {
	if s := SessionFromContext(ctx); s != nil {
		return s.PrincipalID.String()
	}
	return ""
}
