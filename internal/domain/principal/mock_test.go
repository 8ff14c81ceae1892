package principal

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/imageehr/ehr/internal/platform/db"
)

type mockRepo struct {
	mu      sync.Mutex
	records map[string]*Record
	logins  map[uuid.UUID]LastLogin
	err     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[string]*Record), logins: make(map[uuid.UUID]LastLogin)}
}

func (m *mockRepo) add(username, credential string, role Role, scope ClinicScope, active bool) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &Record{
		Principal: Principal{
			ID:          uuid.New(),
			Username:    username,
			FullName:    username + " user",
			Role:        role,
			ClinicScope: scope,
			ClinicName:  AllClinicsName,
			Active:      active,
		},
		Credential: credential,
	}
	if !scope.IsAll() {
		rec.ClinicName = "Main Clinic"
	}
	m.records[username] = rec
	return rec
}

func (m *mockRepo) FindByUsername(_ context.Context, username string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, rec := range m.records {
		if rec.ID == id {
			p := rec.Principal
			return &p, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockRepo) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	p, err := m.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Active, nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Principal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	var out []*Principal
	for _, rec := range m.records {
		p := rec.Principal
		out = append(out, &p)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) RecordLogin(_ context.Context, id uuid.UUID, login LastLogin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logins[id] = login
	return nil
}

func (m *mockRepo) Create(_ context.Context, p *Principal, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[p.Username]; ok {
		return ErrUsernameTaken
	}
	p.ID = uuid.New()
	m.records[p.Username] = &Record{Principal: *p, Credential: credential}
	return nil
}

func (m *mockRepo) SetActive(_ context.Context, username string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[username]
	if !ok {
		return db.ErrNotFound
	}
	rec.Active = active
	return nil
}

func (m *mockRepo) SetCredential(_ context.Context, username, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[username]
	if !ok {
		return db.ErrNotFound
	}
	rec.Credential = credential
	return nil
}

type mockClinicRepo struct {
	clinics []*Clinic
	err     error
}

func (m *mockClinicRepo) List(context.Context) ([]*Clinic, error) {
	return m.clinics, m.err
}

func (m *mockClinicRepo) GetByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, c := range m.clinics {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, db.ErrNotFound
}
