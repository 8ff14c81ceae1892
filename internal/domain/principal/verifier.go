package principal

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/imageehr/ehr/internal/platform/db"
)

var (
	// ErrInvalidInput is returned for empty or oversized credentials.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is the only failure callers outside the core see
	// for a rejected login.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const (
	DefaultMaxUsernameLen = 50
	DefaultMaxPasswordLen = 100
)

// FailureReason says why a verification failed. It is kept for logs and the
// audit trail and is never returned to clients.
type FailureReason string

const (
	ReasonNotFound    FailureReason = "not_found"
	ReasonBadPassword FailureReason = "bad_password"
	ReasonInactive    FailureReason = "inactive"
)

// VerificationFailure is returned by Verify for unknown usernames, wrong
// passwords and inactive accounts. errors.Is(err, ErrInvalidCredentials)
// holds for all of them.
type VerificationFailure struct {
	Reason FailureReason
}

func (f *VerificationFailure) Error() string {
	return fmt.Sprintf("%s (%s)", ErrInvalidCredentials, f.Reason)
}

func (f *VerificationFailure) Unwrap() error { return ErrInvalidCredentials }

// ReasonOf extracts the failure reason from err, if any.
func ReasonOf(err error) (FailureReason, bool) {
	var vf *VerificationFailure
	if errors.As(err, &vf) {
		return vf.Reason, true
	}
	return "", false
}

// Limits bounds the accepted credential lengths, counted in characters.
type Limits struct {
	MaxUsernameLen int
	MaxPasswordLen int
}

// DefaultLimits returns the 50/100 character bounds.
func DefaultLimits() Limits {
	return Limits{MaxUsernameLen: DefaultMaxUsernameLen, MaxPasswordLen: DefaultMaxPasswordLen}
}

// Check validates username and password against the limits.
func (l Limits) Check(username, password string) error {
	switch {
	case username == "" || password == "":
		return fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	case l.MaxUsernameLen > 0 && utf8.RuneCountInString(username) > l.MaxUsernameLen:
		return fmt.Errorf("%w: username exceeds %d characters", ErrInvalidInput, l.MaxUsernameLen)
	case l.MaxPasswordLen > 0 && utf8.RuneCountInString(password) > l.MaxPasswordLen:
		return fmt.Errorf("%w: password exceeds %d characters", ErrInvalidInput, l.MaxPasswordLen)
	}
	return nil
}

// Verifier checks username/password pairs against the principal store. It
// is read-only and does not log.
type Verifier struct {
	repo    Repository
	matcher CredentialMatcher
	limits  Limits
	decoy   string
}

// NewVerifier creates a Verifier.
func NewVerifier(repo Repository, matcher CredentialMatcher, limits Limits) *Verifier {
	return &Verifier{repo: repo, matcher: matcher, limits: limits}
}

// WithDecoy sets a credential compared against when the username is
// unknown, so a miss costs about as much as a wrong password.
func (v *Verifier) WithDecoy(credential string) *Verifier {
	v.decoy = credential
	return v
}

// Limits returns the verifier's input bounds.
func (v *Verifier) Limits() Limits { return v.limits }

// Verify returns the principal whose credential matches password. Rejections
// are *VerificationFailure; store problems are returned wrapped as-is.
func (v *Verifier) Verify(ctx context.Context, username, password string) (*Principal, error) {
	if err := v.limits.Check(username, password); err != nil {
		return nil, err
	}

	rec, err := v.repo.FindByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		if v.decoy != "" {
			v.matcher.Matches(v.decoy, password)
		}
		return nil, &VerificationFailure{Reason: ReasonNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("load principal: %w", err)
	}

	// Password first so the inactive branch costs the same as a good login.
	if !v.matcher.Matches(rec.Credential, password) {
		return nil, &VerificationFailure{Reason: ReasonBadPassword}
	}
	if !rec.Active {
		return nil, &VerificationFailure{Reason: ReasonInactive}
	}

	p := rec.Principal
	p.HasElevatedAccess = p.Role.Elevated()
	if p.ClinicScope.IsAll() && p.ClinicName == "" {
		p.ClinicName = AllClinicsName
	}
	return &p, nil
}
