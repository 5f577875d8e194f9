package audit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEmitter persists audit entries into the append-only audit_logs table.
// A per-actor mutex serialises writes for the same actor so entries are
// observed in emission order even when request handlers emit concurrently.
type PGEmitter struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	actors map[string]*sync.Mutex
}

// NewPGEmitter constructs a PGEmitter backed by the provided pool.
func NewPGEmitter(pool *pgxpool.Pool) *PGEmitter {
	return &PGEmitter{pool: pool, actors: make(map[string]*sync.Mutex)}
}

// Emit writes the entry. IDs come from the table's bigserial column.
func (e *PGEmitter) Emit(ctx context.Context, entry Entry) error {
	if e == nil || e.pool == nil {
		return ErrEmitterUnavailable
	}
	lock := e.actorLock(entry.Actor)
	lock.Lock()
	defer lock.Unlock()
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := e.pool.Exec(ctx, `INSERT INTO audit_logs (actor, action, module, severity, description, target_ref, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, entry.Actor, entry.Action, entry.Module, string(entry.Severity), entry.Description, entry.TargetRef, at)
	if err != nil {
		return ErrEmitterUnavailable
	}
	return nil
}

func (e *PGEmitter) actorLock(actor string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.actors[actor]
	if !ok {
		lock = &sync.Mutex{}
		e.actors[actor] = lock
	}
	return lock
}

// PGRepository reads audit entries for the query surface.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a read-side repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Window returns a filtered page of entries, newest first.
func (r *PGRepository) Window(ctx context.Context, filter Filter, limit, offset int) ([]Entry, error) {
	query, args := buildQuery(filter)
	query += " ORDER BY id DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)
	return r.scan(ctx, query, args)
}

// All returns every filtered entry, newest first.
func (r *PGRepository) All(ctx context.Context, filter Filter) ([]Entry, error) {
	query, args := buildQuery(filter)
	query += " ORDER BY id DESC"
	return r.scan(ctx, query, args)
}

func (r *PGRepository) scan(ctx context.Context, query string, args []any) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var severity string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Module, &severity, &e.Description, &e.TargetRef, &e.At); err != nil {
			return nil, err
		}
		e.Severity = Severity(severity)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func buildQuery(filter Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, actor, action, module, severity, description, target_ref, occurred_at FROM audit_logs WHERE 1=1`)
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		sb.WriteString(" AND " + clause + "$" + strconv.Itoa(len(args)))
	}
	if !filter.From.IsZero() {
		add("occurred_at >= ", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= ", filter.To)
	}
	if filter.Actor != "" {
		add("actor = ", filter.Actor)
	}
	if filter.Module != "" {
		add("module = ", filter.Module)
	}
	if filter.Action != "" {
		add("action = ", filter.Action)
	}
	return sb.String(), args
}
