// Package mock provides test doubles for the repository interfaces: a
// func field per method plus a recorded-calls slice for assertions,
// guarded by a mutex since handlers may be exercised concurrently with
// worker tests.
package mock

import (
	"context"
	"sync"

	"github.com/outpostlabs/drayman/internal/repository"
)

var _ repository.DuplicateGuard = (*DuplicateGuard)(nil)

// DuplicateGuard is a test double for repository.DuplicateGuard.
type DuplicateGuard struct {
	mu sync.Mutex

	SeenFn func(ctx context.Context, id string) (bool, error)

	Calls []string
}

func (m *DuplicateGuard) Seen(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, id)
	m.mu.Unlock()
	if m.SeenFn != nil {
		return m.SeenFn(ctx, id)
	}
	return false, nil // default: never a duplicate
}

var _ repository.AuditLog = (*AuditLog)(nil)

// AuditLog is a test double for repository.AuditLog.
type AuditLog struct {
	mu sync.Mutex

	RecordFn func(ctx context.Context, entry repository.AuditEntry) error

	Entries []repository.AuditEntry
}

func (m *AuditLog) Record(ctx context.Context, entry repository.AuditEntry) error {
	m.mu.Lock()
	m.Entries = append(m.Entries, entry)
	m.mu.Unlock()
	if m.RecordFn != nil {
		return m.RecordFn(ctx, entry)
	}
	return nil
}
