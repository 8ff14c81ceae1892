package principal

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the principal store. Lookups of missing rows return
// db.ErrNotFound; storage outages return errors wrapping db.ErrUnavailable.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (*Record, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Principal, error)
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context, limit, offset int) ([]*Principal, int, error)
	RecordLogin(ctx context.Context, id uuid.UUID, login LastLogin) error
	Create(ctx context.Context, p *Principal, credential string) error
	SetActive(ctx context.Context, username string, active bool) error
	SetCredential(ctx context.Context, username, credential string) error
}

// ClinicRepository reads clinics.
type ClinicRepository interface {
	List(ctx context.Context) ([]*Clinic, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
}
