package login

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imageehr/ehr/internal/domain/loginaudit"
	"github.com/imageehr/ehr/internal/domain/principal"
	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/internal/platform/geo"
	"github.com/imageehr/ehr/internal/platform/session"
)

// fakeRepo is an in-memory principal.Repository.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*principal.Record
	logins  map[uuid.UUID]principal.LastLogin
	err     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records: make(map[string]*principal.Record),
		logins:  make(map[uuid.UUID]principal.LastLogin),
	}
}

func (r *fakeRepo) add(username, credential string, role principal.Role, scope principal.ClinicScope, active bool) *principal.Record {
	rec := &principal.Record{
		Principal: principal.Principal{
			ID:          uuid.New(),
			Username:    username,
			FullName:    username + " user",
			Role:        role,
			ClinicScope: scope,
			Active:      active,
		},
		Credential: credential,
	}
	r.records[username] = rec
	return rec
}

func (r *fakeRepo) lastLogin(id uuid.UUID) (principal.LastLogin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logins[id]
	return l, ok
}

func (r *fakeRepo) FindByUsername(_ context.Context, username string) (*principal.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	rec, ok := r.records[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*principal.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			p := rec.Principal
			return &p, nil
		}
	}
	return nil, db.ErrNotFound
}

func (r *fakeRepo) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Active, nil
}

func (r *fakeRepo) List(context.Context, int, int) ([]*principal.Principal, int, error) {
	return nil, 0, nil
}

func (r *fakeRepo) RecordLogin(_ context.Context, id uuid.UUID, login principal.LastLogin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins[id] = login
	return nil
}

func (r *fakeRepo) Create(context.Context, *principal.Principal, string) error { return nil }

func (r *fakeRepo) SetActive(_ context.Context, username string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[username]
	if !ok {
		return db.ErrNotFound
	}
	rec.Active = active
	return nil
}

func (r *fakeRepo) SetCredential(context.Context, string, string) error { return nil }

// fakeGeo returns a fixed location, or an error, after an optional delay.
type fakeGeo struct {
	loc   *geo.Location
	err   error
	delay time.Duration
}

func (g *fakeGeo) Resolve(ctx context.Context, _ string) (*geo.Location, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, geo.ErrUnavailable
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	loc := *g.loc
	return &loc, nil
}

type failingSink struct{}

func (failingSink) Record(context.Context, *loginaudit.Attempt) error {
	return errors.New("login audit write failed: connection refused")
}

// slowSink delays each write before handing it to the wrapped store.
type slowSink struct {
	*loginaudit.MemoryStore
	delay time.Duration
}

func (s slowSink) Record(ctx context.Context, a *loginaudit.Attempt) error {
	time.Sleep(s.delay)
	return s.MemoryStore.Record(ctx, a)
}

type brokenSessions struct{}

func (brokenSessions) Create(context.Context, *principal.Principal) (*session.Session, error) {
	return nil, errors.New("redis: connection refused")
}

func (brokenSessions) Destroy(context.Context, string) error {
	return errors.New("redis: connection refused")
}

// deactivatedSessions refuses to issue because the principal was turned off
// after its credentials were checked.
type deactivatedSessions struct{ brokenSessions }

func (deactivatedSessions) Create(context.Context, *principal.Principal) (*session.Session, error) {
	return nil, session.ErrInactivePrincipal
}

type fixture struct {
	orch     *Orchestrator
	repo     *fakeRepo
	audit    *loginaudit.MemoryStore
	sessions *session.Manager
	admin    *principal.Record
	clinic   uuid.UUID
}

func newFixture(t *testing.T, resolver geo.Resolver) *fixture {
	t.Helper()

	repo := newFakeRepo()
	clinic := uuid.New()
	admin := repo.add("admin", "admin123", principal.RoleAdmin, principal.AllClinics(), true)
	repo.add("staff1", "staffpw", principal.RoleStaff, principal.SingleClinic(clinic), true)
	repo.add("retired", "oldpw", principal.RoleNurse, principal.SingleClinic(clinic), false)

	signer, err := session.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	store := session.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	sessions := session.NewManager(store, signer, time.Hour)

	audit := loginaudit.NewMemoryStore()
	f := &fixture{
		repo:     repo,
		audit:    audit,
		sessions: sessions,
		admin:    admin,
		clinic:   clinic,
	}
	f.orch = NewOrchestrator(Config{
		Verifier:     principal.NewVerifier(repo, principal.PlaintextMatcher{}, principal.DefaultLimits()),
		Sessions:     sessions,
		Audit:        audit,
		Geo:          resolver,
		LastLogin:    repo,
		StoreTimeout: time.Second,
		AuditWait:    time.Second,
		Logger:       zerolog.Nop(),
	})
	return f
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func attempts(t *testing.T, s loginaudit.Store) []*loginaudit.Attempt {
	t.Helper()
	items, _, err := s.List(context.Background(), loginaudit.Filter{}, 100, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return items
}
