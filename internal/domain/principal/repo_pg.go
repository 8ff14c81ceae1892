package principal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/internal/platform/geo"
)

// ErrUsernameTaken is returned by Create when the username already exists.
var ErrUsernameTaken = errors.New("username already exists")

// queryable abstracts pgxpool.Pool and pgxpool.Conn.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// withConn runs fn on a pooled connection acquired within acquireTimeout and
// classifies the resulting error.
func withConn(ctx context.Context, pool *pgxpool.Pool, acquireTimeout time.Duration, fn func(q queryable) error) error {
	conn, err := db.Acquire(ctx, pool, acquireTimeout)
	if err != nil {
		return err
	}
	defer conn.Release()
	return db.Classify(fn(conn))
}

// -- Principal Repository --

type principalRepoPG struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewRepo creates a Postgres-backed Repository.
func NewRepo(pool *pgxpool.Pool, acquireTimeout time.Duration) Repository {
	return &principalRepoPG{pool: pool, acquireTimeout: acquireTimeout}
}

const principalColumns = `p.id, p.username, p.credential, p.full_name, p.email, p.phone,
	p.role, p.clinic_id, c.name, p.active, p.created_at,
	p.last_login_at, p.last_login_ip, p.last_login_country, p.last_login_region,
	p.last_login_city, p.last_login_lat, p.last_login_lon, p.last_login_isp`

const principalFrom = ` FROM principals p LEFT JOIN clinics c ON c.id = p.clinic_id`

func (r *principalRepoPG) FindByUsername(ctx context.Context, username string) (*Record, error) {
	var rec *Record
	err := withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		var err error
		rec, err = scanRecord(q.QueryRow(ctx, `SELECT `+principalColumns+principalFrom+` WHERE p.username = $1`, username))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *principalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Principal, error) {
	var rec *Record
	err := withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		var err error
		rec, err = scanRecord(q.QueryRow(ctx, `SELECT `+principalColumns+principalFrom+` WHERE p.id = $1`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec.Principal, nil
}

func (r *principalRepoPG) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		return q.QueryRow(ctx, `SELECT active FROM principals WHERE id = $1`, id).Scan(&active)
	})
	return active, err
}

func (r *principalRepoPG) List(ctx context.Context, limit, offset int) ([]*Principal, int, error) {
	var (
		total int
		out   []*Principal
	)
	err := withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM principals`).Scan(&total); err != nil {
			return err
		}
		rows, err := q.Query(ctx, `SELECT `+principalColumns+principalFrom+` ORDER BY p.username LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, &rec.Principal)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *principalRepoPG) RecordLogin(ctx context.Context, id uuid.UUID, login LastLogin) error {
	var (
		country, region, city, isp *string
		lat, lon                   *float64
	)
	if g := login.Geo; g != nil {
		country, region, city, isp = &g.Country, &g.Region, &g.City, &g.ISP
		lat, lon = &g.Lat, &g.Lon
	}
	return withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		tag, err := q.Exec(ctx, `
			UPDATE principals SET
				last_login_at = $2, last_login_ip = $3,
				last_login_country = $4, last_login_region = $5, last_login_city = $6,
				last_login_lat = $7, last_login_lon = $8, last_login_isp = $9,
				updated_at = NOW()
			WHERE id = $1`,
			id, login.At, login.IP, country, region, city, lat, lon, isp,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return db.ErrNotFound
		}
		return nil
	})
}

func (r *principalRepoPG) Create(ctx context.Context, p *Principal, credential string) error {
	if !p.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, p.Role)
	}
	p.ID = uuid.New()
	err := withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		return q.QueryRow(ctx, `
			INSERT INTO principals (id, username, credential, full_name, email, phone, role, clinic_id, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at`,
			p.ID, p.Username, credential, p.FullName, p.Email, p.Phone,
			string(p.Role), p.ClinicScope.Nullable(), p.Active,
		).Scan(&p.CreatedAt)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, p.Username)
	}
	return err
}

func (r *principalRepoPG) SetActive(ctx context.Context, username string, active bool) error {
	return r.updateByUsername(ctx, `UPDATE principals SET active = $2, updated_at = NOW() WHERE username = $1`, username, active)
}

func (r *principalRepoPG) SetCredential(ctx context.Context, username, credential string) error {
	return r.updateByUsername(ctx, `UPDATE principals SET credential = $2, updated_at = NOW() WHERE username = $1`, username, credential)
}

func (r *principalRepoPG) updateByUsername(ctx context.Context, sql, username string, value interface{}) error {
	return withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		tag, err := q.Exec(ctx, sql, username, value)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return db.ErrNotFound
		}
		return nil
	})
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec        Record
		role       string
		clinicID   *uuid.UUID
		clinicName *string
		at         *time.Time
		ip         *string
		country    *string
		region     *string
		city       *string
		lat, lon   *float64
		isp        *string
	)
	err := row.Scan(
		&rec.ID, &rec.Username, &rec.Credential, &rec.FullName, &rec.Email, &rec.Phone,
		&role, &clinicID, &clinicName, &rec.Active, &rec.CreatedAt,
		&at, &ip, &country, &region, &city, &lat, &lon, &isp,
	)
	if err != nil {
		return nil, err
	}

	rec.Role, err = ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("principal %s: %w", rec.Username, err)
	}
	rec.HasElevatedAccess = rec.Role.Elevated()
	rec.ClinicScope = ScopeFromNullable(clinicID)
	rec.ClinicName = AllClinicsName
	if clinicName != nil {
		rec.ClinicName = *clinicName
	}

	if at != nil {
		rec.LastLogin = &LastLogin{At: *at, IP: deref(ip)}
		if country != nil || city != nil {
			rec.LastLogin.Geo = &geo.Location{
				Country: deref(country),
				Region:  deref(region),
				City:    deref(city),
				ISP:     deref(isp),
			}
			if lat != nil {
				rec.LastLogin.Geo.Lat = *lat
			}
			if lon != nil {
				rec.LastLogin.Geo.Lon = *lon
			}
		}
	}
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// -- Clinic Repository --

type clinicRepoPG struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewClinicRepo creates a Postgres-backed ClinicRepository.
func NewClinicRepo(pool *pgxpool.Pool, acquireTimeout time.Duration) ClinicRepository {
	return &clinicRepoPG{pool: pool, acquireTimeout: acquireTimeout}
}

const clinicColumns = `id, name, address, phone, email, created_at`

func (r *clinicRepoPG) List(ctx context.Context) ([]*Clinic, error) {
	var out []*Clinic
	err := withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		rows, err := q.Query(ctx, `SELECT `+clinicColumns+` FROM clinics ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c Clinic
			if err := rows.Scan(&c.ID, &c.Name, &c.Address, &c.Phone, &c.Email, &c.CreatedAt); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return rows.Err()
	})
	return out, err
}

func (r *clinicRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	var c Clinic
	err := withConn(ctx, r.pool, r.acquireTimeout, func(q queryable) error {
		return q.QueryRow(ctx, `SELECT `+clinicColumns+` FROM clinics WHERE id = $1`, id).
			Scan(&c.ID, &c.Name, &c.Address, &c.Phone, &c.Email, &c.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
