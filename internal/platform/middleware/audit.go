package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imageehr/ehr/internal/platform/auth"
)

// AccessEntry describes one request to a protected API route.
type AccessEntry struct {
	PrincipalID string
	Username    string
	Role        string
	ClinicScope string
	Resource    string
	Action      string // read, create, update, delete
	IPAddress   string
	UserAgent   string
	Path        string
	Method      string
	Timestamp   time.Time
	RequestID   string
	StatusCode  int
}

// AccessRecorder persists access entries somewhere other than the log.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// Audit logs every request under /api/ with the principal that made it,
// after the handler has run so the status is known. Denied requests are
// logged too; their principal fields are empty when there was no session.
func Audit(logger zerolog.Logger, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			entry := AccessEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				Action:     httpMethodToAction(req.Method),
				Resource:   extractResource(path),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			if s, ok := auth.CurrentPrincipal(c); ok {
				entry.PrincipalID = s.PrincipalID.String()
				entry.Username = s.Username
				entry.Role = string(s.Role)
				entry.ClinicScope = s.ClinicScope.String()
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
			}

			level := zerolog.InfoLevel
			if status == http.StatusForbidden || status == http.StatusUnauthorized {
				level = zerolog.WarnLevel
			}
			logger.WithLevel(level).
				Str("type", "access").
				Str("request_id", entry.RequestID).
				Str("principal_id", entry.PrincipalID).
				Str("username", entry.Username).
				Str("role", entry.Role).
				Str("clinic_scope", entry.ClinicScope).
				Str("resource", entry.Resource).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource names the resource a path addresses:
//
//   - /api/v1/me                         -> me
//   - /api/v1/admin/login-attempts       -> login-attempts
//   - /api/v1/clinics/<id>/access        -> clinics
func extractResource(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	if i := strings.IndexByte(rest, '/'); i >= 0 && strings.HasPrefix(rest, "v") {
		rest = rest[i+1:]
	}
	rest = strings.TrimPrefix(rest, "admin/")
	if seg, _, _ := strings.Cut(rest, "/"); seg != "" {
		return seg
	}
	return "unknown"
}
