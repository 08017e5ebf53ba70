// Package memory provides an in-memory cnam.Store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	bonds        map[generic.BondID]cnam.Bond
	bonNumbers   map[string]generic.BondID
	payments     map[generic.PaymentID]cnam.Payment
	rentals      map[generic.RentalID]cnam.Rental
	sales        map[generic.SaleID]cnam.Sale
	nomenclature []cnam.NomenclatureEntry
	audit        []generic.AuditEntry
	reminders    map[reminderKey]bool
}

type reminderKey struct {
	BondID generic.BondID
	DueOn  string
}

var (
	_ cnam.Store             = (*Memory)(nil)
	_ cnam.RegistrationStore = (*Memory)(nil)
	_ cnam.ReminderStore     = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{
		bonds:      make(map[generic.BondID]cnam.Bond),
		bonNumbers: make(map[string]generic.BondID),
		payments:   make(map[generic.PaymentID]cnam.Payment),
		rentals:    make(map[generic.RentalID]cnam.Rental),
		sales:      make(map[generic.SaleID]cnam.Sale),
		reminders:  make(map[reminderKey]bool),
	}
}

// =============================================================================
// BONDS
// =============================================================================

// SaveBond inserts or replaces a bond. Bond numbers are unique.
func (m *Memory) SaveBond(_ context.Context, b cnam.Bond) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.BonNumber != "" {
		if owner, ok := m.bonNumbers[b.BonNumber]; ok && owner != b.ID {
			return generic.ErrDuplicateBondNumber
		}
	}
	if prev, ok := m.bonds[b.ID]; ok && prev.BonNumber != b.BonNumber {
		delete(m.bonNumbers, prev.BonNumber)
	}
	m.bonds[b.ID] = b
	if b.BonNumber != "" {
		m.bonNumbers[b.BonNumber] = b.ID
	}
	return nil
}

func (m *Memory) GetBond(_ context.Context, id generic.BondID) (*cnam.Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bonds[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBonds(_ context.Context) ([]cnam.Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]cnam.Bond, 0, len(m.bonds))
	for _, b := range m.bonds {
		result = append(result, b)
	}
	sortBonds(result)
	return result, nil
}

func (m *Memory) ListBondsByPatient(_ context.Context, patientID generic.PatientID) ([]cnam.Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []cnam.Bond
	for _, b := range m.bonds {
		if b.PatientID == patientID {
			result = append(result, b)
		}
	}
	sortBonds(result)
	return result, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) GetPayment(_ context.Context, id generic.PaymentID) (*cnam.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) ListPaymentsByRental(_ context.Context, rentalID generic.RentalID) ([]cnam.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []cnam.Payment
	for _, p := range m.payments {
		if p.RentalID == rentalID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ApplyPayments upserts and deletes under one lock, so readers never see a
// half-renumbered history.
func (m *Memory) ApplyPayments(_ context.Context, upserts []cnam.Payment, deletes []generic.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range deletes {
		delete(m.payments, id)
	}
	for _, p := range upserts {
		m.payments[p.ID] = p
	}
	return nil
}

// =============================================================================
// RENTALS, SALES, NOMENCLATURE
// =============================================================================

func (m *Memory) SaveRental(_ context.Context, r cnam.Rental) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rentals[r.ID] = r
	return nil
}

func (m *Memory) GetRental(_ context.Context, id generic.RentalID) (*cnam.Rental, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rentals[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) SaveSale(_ context.Context, s cnam.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Items = append([]cnam.SaleItem(nil), s.Items...)
	m.sales[s.ID] = s
	return nil
}

func (m *Memory) GetSale(_ context.Context, id generic.SaleID) (*cnam.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[id]
	if !ok {
		return nil, nil
	}
	s.Items = append([]cnam.SaleItem(nil), s.Items...)
	return &s, nil
}

// SaveNomenclature appends entries. Older versions stay; the rate table
// picks the winner.
func (m *Memory) SaveNomenclature(_ context.Context, entries []cnam.NomenclatureEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nomenclature = append(m.nomenclature, entries...)
	return nil
}

func (m *Memory) ListNomenclature(_ context.Context) ([]cnam.NomenclatureEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]cnam.NomenclatureEntry(nil), m.nomenclature...), nil
}

// =============================================================================
// AUDIT LOG, REMINDERS
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) MarkReminder(_ context.Context, bondID generic.BondID, dueOn generic.TimePoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := reminderKey{BondID: bondID, DueOn: dueOn.String()}
	if m.reminders[k] {
		return false, nil
	}
	m.reminders[k] = true
	return true, nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := New()
	m.bonds = fresh.bonds
	m.bonNumbers = fresh.bonNumbers
	m.payments = fresh.payments
	m.rentals = fresh.rentals
	m.sales = fresh.sales
	m.nomenclature = nil
	m.audit = nil
	m.reminders = fresh.reminders
	return nil
}

func sortBonds(bonds []cnam.Bond) {
	sort.Slice(bonds, func(i, j int) bool {
		if !bonds[i].CreatedAt.Equal(bonds[j].CreatedAt) {
			return bonds[i].CreatedAt.Before(bonds[j].CreatedAt)
		}
		return bonds[i].ID < bonds[j].ID
	})
}
