/*
store.go - Persistence contracts shared by every domain

PURPOSE:
  Defines the domain-agnostic part of the persistence layer: the audit log
  and the per-key write serialization used when a read-modify-write must not
  interleave with another writer. Domain-specific record stores live in
  their domain package (cnam/store.go).

AUDIT LOG:
  Every change to a bond or payment is recorded as an AuditEntry. The log is
  append-only: entries are never updated or deleted.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/memory/memory.go: In-memory for testing

SEE ALSO:
  - cnam/store.go: Bond, payment, rental, sale and nomenclature stores
*/
package generic

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// AUDIT LOG - Tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string // who performed the action
	Action    AuditAction
	Subject   string         // e.g. "bond:<id>", "rental:<id>"
	Payload   map[string]any // action-specific data
}

type AuditAction string

const (
	AuditBondCreated          AuditAction = "bond_created"
	AuditBondUpdated          AuditAction = "bond_updated"
	AuditBondStepChanged      AuditAction = "bond_step_changed"
	AuditBondRenewed          AuditAction = "bond_renewed"
	AuditPaymentRecorded      AuditAction = "payment_recorded"
	AuditPaymentEdited        AuditAction = "payment_edited"
	AuditPaymentDeleted       AuditAction = "payment_deleted"
	AuditNomenclatureImported AuditAction = "nomenclature_imported"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Subject *string
	ActorID *string
	Actions []AuditAction
	From    *time.Time
	To      *time.Time
}

// Matches reports whether the entry passes the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Subject != nil && e.Subject != *f.Subject {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// KEYED MUTEX - Serializes writers per key (e.g. per rental)
// =============================================================================

// KeyedMutex hands out one mutex per key. Locks for different keys never
// block each other.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (km *KeyedMutex) Lock(key string) (unlock func()) {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*keyedLock)
	}
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
