package auth

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/imageehr/ehr/internal/domain/principal"
	"github.com/imageehr/ehr/internal/platform/session"
)

// DenyReason says why Authorize refused a request.
type DenyReason string

const (
	NoSession        DenyReason = "no_session"
	RoleInsufficient DenyReason = "role_insufficient"
	ClinicMismatch   DenyReason = "clinic_mismatch"
)

// Requirement is what a protected resource asks of the caller. Empty Roles
// accepts any role; a nil Clinic skips the clinic check.
type Requirement struct {
	Roles  principal.RoleSet
	Clinic *uuid.UUID
}

// RequireRoles builds a Requirement for any of roles.
func RequireRoles(roles ...principal.Role) Requirement {
	return Requirement{Roles: principal.Roles(roles...)}
}

// ForClinic returns a copy of r that also requires access to clinic.
func (r Requirement) ForClinic(clinic uuid.UUID) Requirement {
	r.Clinic = &clinic
	return r
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

// Deny builds a negative decision.
func Deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

// Status maps the decision onto an HTTP status code.
func (d Decision) Status() int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case d.Reason == NoSession:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// Authorize decides whether s satisfies req. It does no I/O and has no side
// effects, so it is safe to call on every request.
func Authorize(s *session.Session, req Requirement) Decision {
	if s == nil || s.State != session.StateBound {
		return Deny(NoSession)
	}
	if len(req.Roles) > 0 && !req.Roles.Contains(s.Role) {
		return Deny(RoleInsufficient)
	}
	if req.Clinic != nil && !s.ClinicScope.Permits(*req.Clinic) {
		return Deny(ClinicMismatch)
	}
	return Allow
}
