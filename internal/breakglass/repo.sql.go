package breakglass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicore/civicore/internal/authz"
	"github.com/civicore/civicore/internal/platform/db"
)

// PGRepository provides PostgreSQL backed persistence for break-glass
// requests. The version column carries the compare-and-swap guard: updates
// match on (id, version) and report a conflict when no row moves.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create stores a new request.
func (r *PGRepository) Create(ctx context.Context, req Request) error {
	approvals, err := json.Marshal(req.Approvals)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO breakglass_requests
(id, requester_id, justification, permissions, status, approvals, required_approvals, created_at, expires_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.RequesterID, req.Justification, req.Permissions, string(req.Status), approvals,
		req.RequiredApprovals, req.CreatedAt, nullableTime(req.ExpiresAt), req.Version)
	return err
}

// Get returns the request by ID.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	return req, nil
}

// Update swaps in the new state when the stored version matches. The update
// and the conflict diagnosis run in one repeatable-read transaction so the
// re-read sees the same snapshot the guard failed against.
func (r *PGRepository) Update(ctx context.Context, req Request, expectedVersion int64) (Request, error) {
	approvals, err := json.Marshal(req.Approvals)
	if err != nil {
		return Request{}, err
	}
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE breakglass_requests
SET status = $1, approvals = $2, expires_at = $3, version = version + 1
WHERE id = $4 AND version = $5`,
			string(req.Status), approvals, nullableTime(req.ExpiresAt), req.ID, expectedVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, scanErr := scanRequest(tx.QueryRow(ctx, selectColumns+` WHERE id = $1`, req.ID)); scanErr != nil {
				if errors.Is(scanErr, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return scanErr
			}
			return fmt.Errorf("%w: request %s, expected version %d", authz.ErrVersionConflict, req.ID, expectedVersion)
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	req.Version = expectedVersion + 1
	return req, nil
}

// ListByStatus returns all requests in the given state.
func (r *PGRepository) ListByStatus(ctx context.Context, status Status) ([]Request, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListByRequester returns all requests created by the subject.
func (r *PGRepository) ListByRequester(ctx context.Context, requesterID string) ([]Request, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE requester_id = $1 ORDER BY created_at`, requesterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

const selectColumns = `SELECT id, requester_id, justification, permissions, status, approvals, required_approvals, created_at, expires_at, version FROM breakglass_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var req Request
	var status string
	var approvals []byte
	var expiresAt pgtype.Timestamptz
	if err := row.Scan(&req.ID, &req.RequesterID, &req.Justification, &req.Permissions, &status, &approvals, &req.RequiredApprovals, &req.CreatedAt, &expiresAt, &req.Version); err != nil {
		return Request{}, err
	}
	req.Status = Status(status)
	if len(approvals) > 0 {
		if err := json.Unmarshal(approvals, &req.Approvals); err != nil {
			return Request{}, err
		}
	}
	if expiresAt.Valid {
		req.ExpiresAt = expiresAt.Time
	}
	return req, nil
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func collectRequests(rows pgx.Rows) ([]Request, error) {
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
