package loginaudit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/internal/platform/geo"
)

type storePG struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewStore creates a Postgres-backed Store over login_attempts.
func NewStore(pool *pgxpool.Pool, acquireTimeout time.Duration) Store {
	return &storePG{pool: pool, acquireTimeout: acquireTimeout}
}

func (s *storePG) Record(ctx context.Context, a *Attempt) error {
	prepare(a)

	var (
		country, region, city, isp *string
		lat, lon                   *float64
	)
	if g := a.Geo; g != nil {
		country, region, city, isp = &g.Country, &g.Region, &g.City, &g.ISP
		lat, lon = &g.Lat, &g.Lon
	}
	var reason *string
	if a.FailureReason != "" {
		reason = &a.FailureReason
	}

	conn, err := db.Acquire(ctx, s.pool, s.acquireTimeout)
	if err != nil {
		return wrapSink(err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO login_attempts (
			id, username, attempted_at, ip_address,
			country, region, city, latitude, longitude, isp,
			success, failure_reason, user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.Username, a.AttemptedAt, a.IPAddress,
		country, region, city, lat, lon, isp,
		a.Success, reason, a.UserAgent,
	)
	if err != nil {
		return wrapSink(db.Classify(err))
	}
	return nil
}

// prepare fills the server-assigned fields of a new attempt.
func prepare(a *Attempt) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
}

const attemptColumns = `id, username, attempted_at, ip_address,
	country, region, city, latitude, longitude, isp,
	success, failure_reason, user_agent`

// where renders f as a SQL condition with positional arguments.
func (f Filter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Username != "" {
		add("username = $%d", f.Username)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.Since != nil {
		add("attempted_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("attempted_at < $%d", *f.Until)
	}
	if len(clauses) == 0 {
		return " WHERE 1=1", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *storePG) List(ctx context.Context, f Filter, limit, offset int) ([]*Attempt, int, error) {
	conn, err := db.Acquire(ctx, s.pool, s.acquireTimeout)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Release()

	where, args := f.where()

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM login_attempts`+where, args...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}

	query := fmt.Sprintf(`SELECT %s FROM login_attempts%s ORDER BY attempted_at DESC, id LIMIT $%d OFFSET $%d`,
		attemptColumns, where, len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, db.Classify(err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.Classify(err)
	}
	return out, total, nil
}

func (s *storePG) Summary(ctx context.Context, f Filter) (*Summary, error) {
	conn, err := db.Acquire(ctx, s.pool, s.acquireTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	where, args := f.where()
	sum := &Summary{FailuresByReason: make(map[string]int), TopFailedUsernames: []UsernameCount{}}

	err = conn.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(DISTINCT username),
			COUNT(DISTINCT ip_address),
			MIN(attempted_at), MAX(attempted_at)
		FROM login_attempts`+where, args...,
	).Scan(&sum.Total, &sum.Succeeded, &sum.DistinctUsernames, &sum.DistinctIPs, &sum.First, &sum.Last)
	if err != nil {
		return nil, db.Classify(err)
	}
	sum.Failed = sum.Total - sum.Succeeded

	rows, err := conn.Query(ctx, `
		SELECT COALESCE(failure_reason, 'unknown'), COUNT(*)
		FROM login_attempts`+where+` AND NOT success
		GROUP BY 1`, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			rows.Close()
			return nil, db.Classify(err)
		}
		sum.FailuresByReason[reason] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}

	rows, err = conn.Query(ctx, fmt.Sprintf(`
		SELECT username, COUNT(*)
		FROM login_attempts%s AND NOT success
		GROUP BY username ORDER BY 2 DESC, username LIMIT %d`, where, topFailedLimit), args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var uc UsernameCount
		if err := rows.Scan(&uc.Username, &uc.Count); err != nil {
			return nil, db.Classify(err)
		}
		sum.TopFailedUsernames = append(sum.TopFailedUsernames, uc)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return sum, nil
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		a                          Attempt
		country, region, city, isp *string
		lat, lon                   *float64
		reason                     *string
	)
	err := row.Scan(
		&a.ID, &a.Username, &a.AttemptedAt, &a.IPAddress,
		&country, &region, &city, &lat, &lon, &isp,
		&a.Success, &reason, &a.UserAgent,
	)
	if err != nil {
		return nil, err
	}
	if country != nil || city != nil {
		a.Geo = &geo.Location{Country: deref(country), Region: deref(region), City: deref(city), ISP: deref(isp)}
		if lat != nil {
			a.Geo.Lat = *lat
		}
		if lon != nil {
			a.Geo.Lon = *lon
		}
	}
	if reason != nil {
		a.FailureReason = *reason
	}
	return &a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
