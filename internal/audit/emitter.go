package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEmitterUnavailable indicates the audit sink rejected a write. Callers
// that require auditing must treat this as a fail-closed condition.
var ErrEmitterUnavailable = errors.New("audit: emitter unavailable")

// Emitter records security-relevant events. Emit is synchronous: when it
// returns nil the entry is durable and ordered after every prior entry
// emitted for the same actor. No global order across actors is guaranteed.
type Emitter interface {
	Emit(ctx context.Context, entry Entry) error
}

// MemoryEmitter is an in-process emitter used in tests and as a bounded
// fallback sink. It assigns IDs from a single counter, which trivially
// satisfies per-actor monotonic ordering.
type MemoryEmitter struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
	failure error
}

// NewMemoryEmitter constructs an empty MemoryEmitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit appends the entry, stamping ID and timestamp.
func (m *MemoryEmitter) Emit(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.nextID++
	entry.ID = m.nextID
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	m.entries = append(m.entries, entry)
	return nil
}

// SetFailure forces subsequent Emit calls to fail with err. Passing nil
// restores normal operation.
func (m *MemoryEmitter) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Entries returns a copy of all recorded entries in emission order.
func (m *MemoryEmitter) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Window returns a filtered slice of entries, newest first. MemoryEmitter
// doubles as a Repository so the query service can run without PostgreSQL.
func (m *MemoryEmitter) Window(ctx context.Context, filter Filter, limit, offset int) ([]Entry, error) {
	matched, err := m.All(ctx, filter)
	if err != nil {
		return nil, err
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// All returns every filtered entry, newest first.
func (m *MemoryEmitter) All(ctx context.Context, filter Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Entry
	for _, e := range m.entries {
		if !matches(e, filter) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return matched, nil
}

func matches(e Entry, f Filter) bool {
	if !f.From.IsZero() && e.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.At.After(f.To) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Module != "" && e.Module != f.Module {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}
