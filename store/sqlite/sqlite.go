/*
Package sqlite provides a SQLite-backed implementation of the CNAM stores.

PURPOSE:
  Implements cnam.Store (bonds, payments, rentals, sales, nomenclature,
  audit log) plus the optional RegistrationStore and ReminderStore using
  SQLite. The same schema ports to PostgreSQL with minor dialect changes.

KEY TABLES:
  bonds:             CNAM reimbursement bonds (bon_number unique)
  payments:          Rental payments with their period number and gap days
  rentals:           Rental read model (installation date, device)
  sales, sale_items: Sale read model
  nomenclature:      CNAM monthly rate per bond type, versioned
  audit_log:         Append-only history of changes
  renewal_reminders: Reminders already sent, one per (bond, due date)

AMOUNTS:
  Stored as decimal TEXT with their currency, never as REAL.

ATOMIC RENUMBERING:
  ApplyPayments writes every upsert and delete in one SQL transaction. A
  failure leaves the rental's history exactly as it was.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's single writer.

USAGE:
  store, err := sqlite.New("./data/cnam.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  registry := cnam.NewBondRegistry(store, cnam.DefaultBondPolicy(), logger)

SEE ALSO:
  - cnam/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
)

// Store implements the cnam storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ cnam.Store             = (*Store)(nil)
	_ cnam.RegistrationStore = (*Store)(nil)
	_ cnam.ReminderStore     = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_foreign_keys=on&_journal_mode=WAL"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Rentals (read model)
	CREATE TABLE IF NOT EXISTS rentals (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		device_name TEXT NOT NULL,
		device_monthly_rate TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rentals_patient
		ON rentals(patient_id);

	-- Sales (read model)
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_items (
		sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		label TEXT NOT NULL,
		item_total TEXT NOT NULL,
		currency TEXT NOT NULL,
		PRIMARY KEY (sale_id, position)
	);

	-- CNAM nomenclature (rate per bond type, versioned)
	CREATE TABLE IF NOT EXISTS nomenclature (
		id TEXT PRIMARY KEY,
		bon_type TEXT NOT NULL,
		monthly_rate TEXT NOT NULL,
		currency TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		effective_from TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nomenclature_type
		ON nomenclature(bon_type, is_active);

	-- Bonds
	CREATE TABLE IF NOT EXISTS bonds (
		id TEXT PRIMARY KEY,
		bon_number TEXT NOT NULL UNIQUE,
		dossier_number TEXT,
		bon_type TEXT NOT NULL,
		status TEXT NOT NULL,
		category TEXT NOT NULL CHECK (category IN ('LOCATION', 'ACHAT')),
		rental_id TEXT,
		sale_id TEXT,
		patient_id TEXT NOT NULL,
		cnam_monthly_rate TEXT NOT NULL,
		device_monthly_rate TEXT NOT NULL,
		covered_months INTEGER NOT NULL,
		bon_amount TEXT NOT NULL,
		device_price TEXT NOT NULL,
		complement_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		current_step INTEGER NOT NULL CHECK (current_step BETWEEN 1 AND 7),
		renewal_reminder_days INTEGER NOT NULL DEFAULT 0,
		start_date TEXT,
		end_date TEXT,
		previous_bond_id TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((category = 'LOCATION' AND rental_id IS NOT NULL AND sale_id IS NULL)
		    OR (category = 'ACHAT' AND sale_id IS NOT NULL AND rental_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_bonds_patient
		ON bonds(patient_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_bonds_rental
		ON bonds(rental_id) WHERE rental_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_bonds_end_date
		ON bonds(end_date) WHERE end_date IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_bonds_previous
		ON bonds(previous_bond_id) WHERE previous_bond_id IS NOT NULL;

	-- Rental payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		rental_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		period_start_date TEXT,
		period_end_date TEXT,
		period_number INTEGER,
		gap_days INTEGER,
		overlap BOOLEAN NOT NULL DEFAULT FALSE,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hot path: a rental's history
	CREATE INDEX IF NOT EXISTS idx_payments_rental
		ON payments(rental_id, period_start_date);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject
		ON audit_log(subject, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_action
		ON audit_log(action);

	-- Renewal reminders already sent
	CREATE TABLE IF NOT EXISTS renewal_reminders (
		bond_id TEXT NOT NULL,
		due_on TEXT NOT NULL,
		sent_at TEXT NOT NULL,
		PRIMARY KEY (bond_id, due_on)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// BOND STORE (cnam.BondStore interface)
// =============================================================================

const bondColumns = `id, bon_number, dossier_number, bon_type, status, category, rental_id, sale_id,
	patient_id, cnam_monthly_rate, device_monthly_rate, covered_months, bon_amount, device_price,
	complement_amount, currency, current_step, renewal_reminder_days, start_date, end_date,
	previous_bond_id, notes, created_at, updated_at`

// SaveBond inserts or updates a bond.
func (s *Store) SaveBond(ctx context.Context, b cnam.Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rentalID, saleID sql.NullString
	switch subj := b.Subject.(type) {
	case cnam.RentalSubject:
		rentalID = nullString(string(subj.RentalID))
	case cnam.SaleSubject:
		saleID = nullString(string(subj.SaleID))
	default:
		return generic.Invalid("subject", "a rental or a sale is required")
	}
	var previous sql.NullString
	if b.PreviousBondID != nil {
		previous = nullString(string(*b.PreviousBondID))
	}

	query := `
		INSERT INTO bonds (` + bondColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bon_number = excluded.bon_number,
			dossier_number = excluded.dossier_number,
			bon_type = excluded.bon_type,
			status = excluded.status,
			category = excluded.category,
			rental_id = excluded.rental_id,
			sale_id = excluded.sale_id,
			patient_id = excluded.patient_id,
			cnam_monthly_rate = excluded.cnam_monthly_rate,
			device_monthly_rate = excluded.device_monthly_rate,
			covered_months = excluded.covered_months,
			bon_amount = excluded.bon_amount,
			device_price = excluded.device_price,
			complement_amount = excluded.complement_amount,
			currency = excluded.currency,
			current_step = excluded.current_step,
			renewal_reminder_days = excluded.renewal_reminder_days,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			previous_bond_id = excluded.previous_bond_id,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.BonNumber, nullString(b.DossierNumber), b.BonType, b.Status, b.Category(),
		rentalID, saleID, b.PatientID,
		b.CNAMMonthlyRate.Value.String(), b.DeviceMonthlyRate.Value.String(), b.CoveredMonths,
		b.BonAmount.Value.String(), b.DevicePrice.Value.String(), b.ComplementAmount.Value.String(),
		currencyOf(b.DeviceMonthlyRate),
		b.CurrentStep, b.RenewalReminderDays,
		nullDate(b.StartDate), nullDate(b.EndDate),
		previous, nullString(b.Notes),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "bon_number") {
			return generic.ErrDuplicateBondNumber
		}
		return fmt.Errorf("failed to save bond: %w", err)
	}
	return nil
}

// GetBond retrieves a bond by ID.
func (s *Store) GetBond(ctx context.Context, id generic.BondID) (*cnam.Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+bondColumns+" FROM bonds WHERE id = ?", id)
	b, err := scanBond(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBonds returns every bond, oldest first.
func (s *Store) ListBonds(ctx context.Context) ([]cnam.Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBonds(ctx, "SELECT "+bondColumns+" FROM bonds ORDER BY created_at, id")
}

// ListBondsByPatient returns a patient's bonds, oldest first.
func (s *Store) ListBondsByPatient(ctx context.Context, patientID generic.PatientID) ([]cnam.Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBonds(ctx,
		"SELECT "+bondColumns+" FROM bonds WHERE patient_id = ? ORDER BY created_at, id",
		patientID,
	)
}

func (s *Store) queryBonds(ctx context.Context, query string, args ...any) ([]cnam.Bond, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bonds: %w", err)
	}
	defer rows.Close()

	var bonds []cnam.Bond
	for rows.Next() {
		b, err := scanBond(rows)
		if err != nil {
			return nil, err
		}
		bonds = append(bonds, b)
	}
	return bonds, rows.Err()
}

func scanBond(row scanner) (cnam.Bond, error) {
	var (
		b                                   cnam.Bond
		category, currency                  string
		dossier, rentalID, saleID, previous sql.NullString
		notes, startDate, endDate           sql.NullString
		cnamRate, deviceRate                string
		bonAmount, devicePrice, complement  string
		createdAt, updatedAt                string
	)

	err := row.Scan(
		&b.ID, &b.BonNumber, &dossier, &b.BonType, &b.Status, &category, &rentalID, &saleID,
		&b.PatientID, &cnamRate, &deviceRate, &b.CoveredMonths, &bonAmount, &devicePrice,
		&complement, &currency, &b.CurrentStep, &b.RenewalReminderDays, &startDate, &endDate,
		&previous, &notes, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return b, err
	}
	if err != nil {
		return b, fmt.Errorf("failed to scan bond: %w", err)
	}

	subject, err := cnam.NewSubject(cnam.Category(category),
		generic.RentalID(rentalID.String), generic.SaleID(saleID.String))
	if err != nil {
		return b, fmt.Errorf("bond %s: %w", b.ID, err)
	}
	b.Subject = subject

	cur := generic.Currency(currency)
	b.DossierNumber = dossier.String
	for _, col := range []struct {
		dst *generic.Amount
		raw string
	}{
		{&b.CNAMMonthlyRate, cnamRate},
		{&b.DeviceMonthlyRate, deviceRate},
		{&b.BonAmount, bonAmount},
		{&b.DevicePrice, devicePrice},
		{&b.ComplementAmount, complement},
	} {
		if *col.dst, err = parseAmount(col.raw, cur); err != nil {
			return b, fmt.Errorf("bond %s: %w", b.ID, err)
		}
	}
	b.StartDate = parseNullDate(startDate)
	b.EndDate = parseNullDate(endDate)
	if previous.Valid {
		prev := generic.BondID(previous.String)
		b.PreviousBondID = &prev
	}
	b.Notes = notes.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// =============================================================================
// PAYMENT STORE (cnam.PaymentStore interface)
// =============================================================================

const paymentColumns = `id, rental_id, amount, currency, payment_date, period_start_date, period_end_date,
	period_number, gap_days, overlap, method, status, payment_type, notes, created_at, updated_at`

// GetPayment retrieves a payment by ID.
func (s *Store) GetPayment(ctx context.Context, id generic.PaymentID) (*cnam.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPaymentsByRental returns a rental's payments in insertion order.
func (s *Store) ListPaymentsByRental(ctx context.Context, rentalID generic.RentalID) ([]cnam.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE rental_id = ? ORDER BY created_at, id",
		rentalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []cnam.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ApplyPayments upserts and deletes payments in one SQL transaction.
func (s *Store) ApplyPayments(ctx context.Context, upserts []cnam.Payment, deletes []generic.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, id := range deletes {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM payments WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete payment %s: %w", id, err)
		}
	}
	for _, p := range upserts {
		if err := upsertPayment(ctx, sqlTx, p); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func upsertPayment(ctx context.Context, db execer, p cnam.Payment) error {
	var start, end sql.NullString
	if p.Period != nil {
		start = nullString(p.Period.Start.String())
		end = nullString(p.Period.End.String())
	}

	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			payment_date = excluded.payment_date,
			period_start_date = excluded.period_start_date,
			period_end_date = excluded.period_end_date,
			period_number = excluded.period_number,
			gap_days = excluded.gap_days,
			overlap = excluded.overlap,
			method = excluded.method,
			status = excluded.status,
			payment_type = excluded.payment_type,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		p.ID, p.RentalID, p.Amount.Value.String(), currencyOf(p.Amount), p.PaymentDate.String(),
		start, end, nullInt(p.PeriodNumber), nullInt(p.GapDays), p.Overlap,
		p.Method, p.Status, p.Type, nullString(p.Notes),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", p.ID, err)
	}
	return nil
}

func scanPayment(row scanner) (cnam.Payment, error) {
	var (
		p                    cnam.Payment
		amount, currency     string
		paymentDate          string
		start, end, notes    sql.NullString
		number, gap          sql.NullInt64
		createdAt, updatedAt string
	)

	err := row.Scan(
		&p.ID, &p.RentalID, &amount, &currency, &paymentDate, &start, &end,
		&number, &gap, &p.Overlap, &p.Method, &p.Status, &p.Type, &notes, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	if p.Amount, err = parseAmount(amount, generic.Currency(currency)); err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	p.PaymentDate = parseDate(paymentDate)
	if start.Valid && end.Valid {
		p.Period = &generic.Period{Start: parseDate(start.String), End: parseDate(end.String)}
	}
	p.PeriodNumber = parseNullInt(number)
	p.GapDays = parseNullInt(gap)
	p.Notes = notes.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// RENTALS AND SALES (cnam.RentalSource, cnam.SaleSource)
// =============================================================================

// SaveRental inserts or updates a rental.
func (s *Store) SaveRental(ctx context.Context, r cnam.Rental) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rentals (id, patient_id, start_date, device_name, device_monthly_rate, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id,
			start_date = excluded.start_date,
			device_name = excluded.device_name,
			device_monthly_rate = excluded.device_monthly_rate,
			currency = excluded.currency
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.PatientID, r.StartDate.String(), r.Device.Name,
		r.Device.MonthlyRate.Value.String(), currencyOf(r.Device.MonthlyRate), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rental: %w", err)
	}
	return nil
}

// GetRental retrieves a rental by ID.
func (s *Store) GetRental(ctx context.Context, id generic.RentalID) (*cnam.Rental, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                               cnam.Rental
		startDate, rate, cur, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, patient_id, start_date, device_name, device_monthly_rate, currency, created_at FROM rentals WHERE id = ?",
		id,
	).Scan(&r.ID, &r.PatientID, &startDate, &r.Device.Name, &rate, &cur, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.StartDate = parseDate(startDate)
	if r.Device.MonthlyRate, err = parseAmount(rate, generic.Currency(cur)); err != nil {
		return nil, fmt.Errorf("rental %s: %w", r.ID, err)
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// SaveSale inserts or replaces a sale and its line items.
func (s *Store) SaveSale(ctx context.Context, sale cnam.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO sales (id, patient_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET patient_id = excluded.patient_id
	`, sale.ID, sale.PatientID, formatTime(sale.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save sale: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM sale_items WHERE sale_id = ?", sale.ID); err != nil {
		return fmt.Errorf("failed to replace sale items: %w", err)
	}
	for i, item := range sale.Items {
		_, err := sqlTx.ExecContext(ctx,
			"INSERT INTO sale_items (sale_id, position, label, item_total, currency) VALUES (?, ?, ?, ?, ?)",
			sale.ID, i, item.Label, item.ItemTotal.Value.String(), currencyOf(item.ItemTotal),
		)
		if err != nil {
			return fmt.Errorf("failed to save sale item: %w", err)
		}
	}

	return sqlTx.Commit()
}

// GetSale retrieves a sale with its line items.
func (s *Store) GetSale(ctx context.Context, id generic.SaleID) (*cnam.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sale      cnam.Sale
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, patient_id, created_at FROM sales WHERE id = ?", id,
	).Scan(&sale.ID, &sale.PatientID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sale.CreatedAt = parseTime(createdAt)

	rows, err := s.db.QueryContext(ctx,
		"SELECT label, item_total, currency FROM sale_items WHERE sale_id = ? ORDER BY position", id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item cnam.SaleItem
		var total, cur string
		if err := rows.Scan(&item.Label, &total, &cur); err != nil {
			return nil, fmt.Errorf("failed to scan sale item: %w", err)
		}
		if item.ItemTotal, err = parseAmount(total, generic.Currency(cur)); err != nil {
			return nil, fmt.Errorf("sale %s: %w", id, err)
		}
		sale.Items = append(sale.Items, item)
	}
	return &sale, rows.Err()
}

// =============================================================================
// NOMENCLATURE (cnam.NomenclatureSource interface)
// =============================================================================

// SaveNomenclature inserts or updates entries. Older versions are kept.
func (s *Store) SaveNomenclature(ctx context.Context, entries []cnam.NomenclatureEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO nomenclature (id, bon_type, monthly_rate, currency, is_active, version, effective_from)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			monthly_rate = excluded.monthly_rate,
			currency = excluded.currency,
			is_active = excluded.is_active,
			version = excluded.version,
			effective_from = excluded.effective_from
	`
	for _, e := range entries {
		_, err := sqlTx.ExecContext(ctx, query,
			e.ID, e.BonType, e.MonthlyRate.Value.String(), currencyOf(e.MonthlyRate),
			e.IsActive, e.Version, formatTime(e.EffectiveFrom),
		)
		if err != nil {
			return fmt.Errorf("failed to save nomenclature entry %s: %w", e.BonType, err)
		}
	}

	return sqlTx.Commit()
}

// ListNomenclature returns every entry, active or not.
func (s *Store) ListNomenclature(ctx context.Context) ([]cnam.NomenclatureEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, bon_type, monthly_rate, currency, is_active, version, effective_from FROM nomenclature ORDER BY bon_type, version",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query nomenclature: %w", err)
	}
	defer rows.Close()

	var entries []cnam.NomenclatureEntry
	for rows.Next() {
		var e cnam.NomenclatureEntry
		var rate, cur, effectiveFrom string
		if err := rows.Scan(&e.ID, &e.BonType, &rate, &cur, &e.IsActive, &e.Version, &effectiveFrom); err != nil {
			return nil, fmt.Errorf("failed to scan nomenclature entry: %w", err)
		}
		if e.MonthlyRate, err = parseAmount(rate, generic.Currency(cur)); err != nil {
			return nil, fmt.Errorf("nomenclature %s: %w", e.ID, err)
		}
		e.EffectiveFrom = parseTime(effectiveFrom)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// AUDIT LOG (generic.AuditLog interface)
// =============================================================================

// AppendAudit appends an audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO audit_log (id, timestamp, actor_id, action, subject, payload_json) VALUES (?, ?, ?, ?, ?, ?)",
		entry.ID, formatTime(entry.Timestamp), nullString(entry.ActorID), entry.Action, entry.Subject, string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns the entries matching filter, oldest first.
func (s *Store) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Subject != nil {
		where = append(where, "subject = ?")
		args = append(args, *filter.Subject)
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT id, timestamp, actor_id, action, subject, payload_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []generic.AuditEntry
	for rows.Next() {
		var (
			e           generic.AuditEntry
			ts          string
			actor       sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &actor, &e.Action, &e.Subject, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.ActorID = actor.String
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		// Time bounds are compared on parsed values, not on text.
		if filter.Matches(e) {
			entries = append(entries, e)
		}
	}
	return entries, rows.Err()
}

// =============================================================================
// RENEWAL REMINDERS (cnam.ReminderStore interface)
// =============================================================================

// MarkReminder records a reminder unless one exists for (bond, due date).
func (s *Store) MarkReminder(ctx context.Context, bondID generic.BondID, dueOn generic.TimePoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO renewal_reminders (bond_id, due_on, sent_at) VALUES (?, ?, ?)",
		bondID, dueOn.String(), formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "bonds", "sale_items", "sales", "rentals", "nomenclature", "audit_log", "renewal_reminders"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func parseNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullDate(tp *generic.TimePoint) sql.NullString {
	if tp == nil || tp.IsZero() {
		return sql.NullString{}
	}
	return nullString(tp.String())
}

func parseDate(s string) generic.TimePoint {
	tp, _ := generic.ParseDate(s)
	return tp
}

func parseNullDate(s sql.NullString) *generic.TimePoint {
	if !s.Valid || s.String == "" {
		return nil
	}
	tp := parseDate(s.String)
	return &tp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseAmount(value string, currency generic.Currency) (generic.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return generic.NewAmountFromDecimal(d, currency), nil
}

func currencyOf(a generic.Amount) generic.Currency {
	if a.Currency == "" {
		return generic.CurrencyTND
	}
	return a.Currency
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
