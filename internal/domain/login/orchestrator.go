// Package login runs a sign-in attempt end to end: credential check,
// geo-enrichment, session issue, audit and last-login bookkeeping.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/imageehr/ehr/internal/domain/loginaudit"
	"github.com/imageehr/ehr/internal/domain/principal"
	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/internal/platform/geo"
	"github.com/imageehr/ehr/internal/platform/session"
)

// ErrServiceUnavailable is returned when the credential or session store
// cannot be reached. It is retryable.
var ErrServiceUnavailable = errors.New("authentication temporarily unavailable")

// DefaultRedirect is where a browser goes after signing in.
const DefaultRedirect = "/dashboard"

const (
	defaultStoreTimeout = 5 * time.Second
	defaultAuditWait    = 2 * time.Second

	// maxAuditUsername matches login_attempts.username.
	maxAuditUsername = 255
)

// Reasons recorded on audit rows for failures that are not verification
// failures.
const (
	reasonInvalidInput       = "invalid_input"
	reasonStoreUnavailable   = "store_unavailable"
	reasonSessionUnavailable = "session_unavailable"
	reasonRateLimited        = "rate_limited"
)

// Verifier checks a username/password pair.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (*principal.Principal, error)
}

// Sessions issues and destroys sessions.
type Sessions interface {
	Create(ctx context.Context, p *principal.Principal) (*session.Session, error)
	Destroy(ctx context.Context, token string) error
}

// LastLoginRecorder stores where and when a principal last signed in.
type LastLoginRecorder interface {
	RecordLogin(ctx context.Context, id uuid.UUID, login principal.LastLogin) error
}

// Request is one sign-in attempt as received from the transport.
type Request struct {
	Username  string
	Password  string
	ClientIP  string
	UserAgent string
}

// Result is returned for an accepted sign-in.
type Result struct {
	Session   *session.Session
	Principal *principal.Principal
	Redirect  string
}

// Config wires an Orchestrator. Geo and LastLogin may be nil.
type Config struct {
	Verifier  Verifier
	Sessions  Sessions
	Audit     loginaudit.Sink
	Geo       geo.Resolver
	LastLogin LastLoginRecorder

	// StoreTimeout bounds each store call made by the orchestrator.
	StoreTimeout time.Duration
	// AuditWait is how long a response waits for its audit row before
	// going out anyway.
	AuditWait time.Duration
	Redirect  string
	Logger    zerolog.Logger
}

// Orchestrator composes the login steps. It is safe for concurrent use.
type Orchestrator struct {
	verifier     Verifier
	sessions     Sessions
	audit        loginaudit.Sink
	geo          geo.Resolver
	lastLogin    LastLoginRecorder
	storeTimeout time.Duration
	auditWait    time.Duration
	redirect     string
	logger       zerolog.Logger
	now          func() time.Time

	background conc.WaitGroup
}

// NewOrchestrator creates an Orchestrator from cfg, filling in defaults.
func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		verifier:     cfg.Verifier,
		sessions:     cfg.Sessions,
		audit:        cfg.Audit,
		geo:          cfg.Geo,
		lastLogin:    cfg.LastLogin,
		storeTimeout: cfg.StoreTimeout,
		auditWait:    cfg.AuditWait,
		redirect:     cfg.Redirect,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if o.storeTimeout <= 0 {
		o.storeTimeout = defaultStoreTimeout
	}
	if o.auditWait <= 0 {
		o.auditWait = defaultAuditWait
	}
	if o.redirect == "" {
		o.redirect = DefaultRedirect
	}
	return o
}

// Login runs one sign-in attempt. Every call writes exactly one audit row,
// whatever the outcome. Rejected credentials always come back as
// principal.ErrInvalidCredentials; the specific reason only reaches the log
// and the audit row.
func (o *Orchestrator) Login(ctx context.Context, req Request) (*Result, error) {
	geoCh := o.resolveAsync(ctx, req.ClientIP)

	vctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	p, verr := o.verifier.Verify(vctx, req.Username, req.Password)
	cancel()

	var (
		result *Result
		err    error
		reason string
	)
	switch {
	case verr == nil:
		s, serr := o.createSession(ctx, p)
		if serr != nil {
			reason = reasonSessionUnavailable
			if errors.Is(serr, principal.ErrInvalidCredentials) {
				reason = string(principal.ReasonInactive)
			}
			err = serr
			break
		}
		result = &Result{Session: s, Principal: p, Redirect: o.redirect}
	case errors.Is(verr, principal.ErrInvalidInput):
		reason = reasonInvalidInput
		err = verr
	case errors.Is(verr, principal.ErrInvalidCredentials):
		reason = string(principal.ReasonBadPassword)
		var vf *principal.VerificationFailure
		if errors.As(verr, &vf) {
			reason = string(vf.Reason)
		}
		err = principal.ErrInvalidCredentials
	case errors.Is(verr, db.ErrUnavailable):
		reason = reasonStoreUnavailable
		err = fmt.Errorf("%w: %v", ErrServiceUnavailable, verr)
	default:
		reason = reasonStoreUnavailable
		err = fmt.Errorf("verify credentials: %w", verr)
	}

	loc := o.awaitGeo(ctx, geoCh)
	now := o.now().UTC()

	if result != nil {
		o.recordLastLogin(ctx, p.ID, principal.LastLogin{At: now, IP: req.ClientIP, Geo: loc})
	}

	o.recordAttempt(ctx, req, now, loc, result != nil, reason)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reject audits a sign-in attempt that was turned away before credentials
// were checked, such as a throttled request or an unreadable body. It
// writes one failed audit row with reason.
func (o *Orchestrator) Reject(ctx context.Context, req Request, reason string) {
	loc := o.awaitGeo(ctx, o.resolveAsync(ctx, req.ClientIP))
	o.recordAttempt(ctx, req, o.now().UTC(), loc, false, reason)
}

func (o *Orchestrator) recordAttempt(ctx context.Context, req Request, at time.Time, loc *geo.Location, success bool, reason string) {
	o.writeAudit(ctx, &loginaudit.Attempt{
		Username:      clip(req.Username, maxAuditUsername),
		AttemptedAt:   at,
		IPAddress:     req.ClientIP,
		Geo:           loc,
		Success:       success,
		FailureReason: reason,
		UserAgent:     req.UserAgent,
	})

	level := zerolog.InfoLevel
	if !success {
		level = zerolog.WarnLevel
	}
	o.logger.WithLevel(level).
		Str("event", "login_attempt").
		Str("username", req.Username).
		Str("ip", req.ClientIP).
		Bool("success", success).
		Str("reason", reason).
		Bool("geo", loc != nil).
		Msg("login attempt")
}

// clip truncates s to at most n characters.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (o *Orchestrator) createSession(ctx context.Context, p *principal.Principal) (*session.Session, error) {
	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()

	s, err := o.sessions.Create(sctx, p)
	if err != nil {
		if errors.Is(err, session.ErrInactivePrincipal) {
			return nil, principal.ErrInvalidCredentials
		}
		o.logger.Error().Err(err).Str("username", p.Username).Msg("create session")
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return s, nil
}

// resolveAsync starts the geo lookup. The channel always receives exactly
// one value, nil when the location is unknown.
func (o *Orchestrator) resolveAsync(ctx context.Context, ip string) <-chan *geo.Location {
	ch := make(chan *geo.Location, 1)
	if o.geo == nil || ip == "" {
		ch <- nil
		return ch
	}
	go func() {
		loc, err := o.geo.Resolve(ctx, ip)
		if err != nil {
			o.logger.Debug().Err(err).Str("ip", ip).Msg("geo lookup unavailable")
			loc = nil
		}
		ch <- loc
	}()
	return ch
}

func (o *Orchestrator) awaitGeo(ctx context.Context, ch <-chan *geo.Location) *geo.Location {
	select {
	case loc := <-ch:
		return loc
	case <-ctx.Done():
		return nil
	}
}

// writeAudit records the attempt on a context detached from the request and
// waits up to auditWait for it. A slower write keeps running after the
// response goes out.
func (o *Orchestrator) writeAudit(ctx context.Context, a *loginaudit.Attempt) {
	done := make(chan struct{})
	o.background.Go(func() {
		defer close(done)
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.storeTimeout)
		defer cancel()
		if err := o.audit.Record(actx, a); err != nil {
			o.logger.Error().Err(err).
				Str("username", a.Username).
				Bool("success", a.Success).
				Msg("login audit write failed")
		}
	})

	timer := time.NewTimer(o.auditWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn().Str("username", a.Username).Msg("login audit write still pending")
	case <-ctx.Done():
	}
}

func (o *Orchestrator) recordLastLogin(ctx context.Context, id uuid.UUID, login principal.LastLogin) {
	if o.lastLogin == nil {
		return
	}
	o.background.Go(func() {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.storeTimeout)
		defer cancel()
		if err := o.lastLogin.RecordLogin(lctx, id, login); err != nil {
			o.logger.Error().Err(err).Str("principal_id", id.String()).Msg("update last login")
		}
	})
}

// Logout destroys the session behind token. It never fails from the
// caller's point of view; store errors are logged.
func (o *Orchestrator) Logout(ctx context.Context, token string) {
	if token == "" {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.storeTimeout)
	defer cancel()
	if err := o.sessions.Destroy(lctx, token); err != nil {
		o.logger.Error().Err(err).Msg("destroy session")
	}
}

// Drain waits for pending audit and last-login writes, or for ctx to end.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := o.background.WaitAndRecover(); r != nil {
			o.logger.Error().Err(r.AsError()).Msg("background login write panicked")
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
