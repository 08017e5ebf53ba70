/*
registry.go - Bond lifecycle service

PURPOSE:
  Orchestrates PrepareBond against the stores: loads the bond's rental or
  sale and the current nomenclature, persists the result and records an
  audit entry. Warnings (missing nomenclature rate, negative complement,
  clamped months) are logged and returned to the caller; they never block.

OPERATIONS:
  Create         New bond at step 1 (status CREATION unless given)
  Update         Edit any field; financials are always recomputed
  SetStep        Move to any step 1..7 (no ordering guard)
  Renew          New RENOUVELLEMENT bond following an existing one
  DueForRenewal  Bonds whose renewal reminder date has passed

SEE ALSO:
  - bond.go: PrepareBond / PrepareRenewal
  - billing.go: Rental payment sequencing
*/
package cnam

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/warp/cnam-engine/generic"
)

// BondRegistry manages bonds.
type BondRegistry struct {
	store  Store
	policy BondPolicy
	logger log.FieldLogger
	now    func() time.Time
}

// BondResult is a saved bond plus the non-blocking warnings raised while
// preparing it.
type BondResult struct {
	Bond     Bond
	Warnings []Warning
}

// NewBondRegistry creates a registry. A nil logger uses the logrus standard logger.
func NewBondRegistry(store Store, policy BondPolicy, logger log.FieldLogger) *BondRegistry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BondRegistry{
		store:  store,
		policy: policy,
		logger: logger.WithField("component", "bond_registry"),
		now:    time.Now,
	}
}

// Policy returns the bond policy in force.
func (r *BondRegistry) Policy() BondPolicy { return r.policy }

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a bond or a not-found error.
func (r *BondRegistry) Get(ctx context.Context, id generic.BondID) (*Bond, error) {
	b, err := r.store.GetBond(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load bond %s: %w", id, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrBondNotFound, id)
	}
	return b, nil
}

// ListByPatient returns a patient's bonds, most recent first.
func (r *BondRegistry) ListByPatient(ctx context.Context, patientID generic.PatientID) ([]Bond, error) {
	bonds, err := r.store.ListBondsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list bonds of patient %s: %w", patientID, err)
	}
	sort.SliceStable(bonds, func(i, j int) bool {
		return bonds[i].CreatedAt.After(bonds[j].CreatedAt)
	})
	return bonds, nil
}

// Rates builds the rate table in force today.
func (r *BondRegistry) Rates(ctx context.Context) (*RateTable, error) {
	entries, err := r.store.ListNomenclature(ctx)
	if err != nil {
		return nil, fmt.Errorf("load nomenclature: %w", err)
	}
	return NewRateTable(entries, r.now()), nil
}

// Resolve classifies a device name and looks up its CNAM rate.
func (r *BondRegistry) Resolve(ctx context.Context, deviceName string) (BondType, generic.Amount, *Warning, error) {
	rates, err := r.Rates(ctx)
	if err != nil {
		return "", generic.Amount{}, nil, err
	}
	bondType := ResolveBondType(deviceName)
	rate, warn := rates.RateOrZero(bondType)
	return bondType, rate, warn, nil
}

// DueForRenewal returns the bonds whose renewal reminder date is on or
// before asOf and that have not been renewed yet.
func (r *BondRegistry) DueForRenewal(ctx context.Context, asOf generic.TimePoint) ([]Bond, error) {
	bonds, err := r.store.ListBonds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bonds: %w", err)
	}

	renewed := make(map[generic.BondID]bool)
	for _, b := range bonds {
		if b.PreviousBondID != nil {
			renewed[*b.PreviousBondID] = true
		}
	}

	var due []Bond
	for _, b := range bonds {
		if renewed[b.ID] || !b.IsRenewalDue(asOf) {
			continue
		}
		due = append(due, b)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].EndDate.Before(*due[j].EndDate)
	})
	return due, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

// Create prepares and saves a new bond.
func (r *BondRegistry) Create(ctx context.Context, actor string, changes BondChanges) (BondResult, error) {
	if changes.Subject == nil {
		return BondResult{}, generic.Invalid("subject", "a rental or a sale is required")
	}
	in, err := r.inputs(ctx, changes.Subject)
	if err != nil {
		return BondResult{}, err
	}

	b, warnings, err := PrepareBond(nil, changes, in)
	if err != nil {
		return BondResult{}, err
	}
	r.stamp(&b, true)

	if err := r.save(ctx, actor, b, generic.AuditBondCreated, nil); err != nil {
		return BondResult{}, err
	}
	r.logWarnings(b, warnings)
	return BondResult{Bond: b, Warnings: warnings}, nil
}

// Update applies changes to an existing bond.
func (r *BondRegistry) Update(ctx context.Context, actor string, id generic.BondID, changes BondChanges) (BondResult, error) {
	prior, err := r.Get(ctx, id)
	if err != nil {
		return BondResult{}, err
	}
	subject := prior.Subject
	if changes.Subject != nil {
		subject = changes.Subject
	}
	in, err := r.inputs(ctx, subject)
	if err != nil {
		return BondResult{}, err
	}

	b, warnings, err := PrepareBond(prior, changes, in)
	if err != nil {
		return BondResult{}, err
	}
	r.stamp(&b, false)

	if err := r.save(ctx, actor, b, generic.AuditBondUpdated, map[string]any{
		"previous_bon_amount": prior.BonAmount.Value.String(),
	}); err != nil {
		return BondResult{}, err
	}
	r.logWarnings(b, warnings)
	return BondResult{Bond: b, Warnings: warnings}, nil
}

// SetStep moves a bond to step. Any step 1..7 is reachable from any other.
func (r *BondRegistry) SetStep(ctx context.Context, actor string, id generic.BondID, step int) (Bond, error) {
	prior, err := r.Get(ctx, id)
	if err != nil {
		return Bond{}, err
	}
	w, err := prior.Workflow().SetStep(step)
	if err != nil {
		return Bond{}, err
	}

	b := *prior
	b.CurrentStep = w.Current()
	r.stamp(&b, false)

	if err := r.save(ctx, actor, b, generic.AuditBondStepChanged, map[string]any{
		"from": prior.CurrentStep,
		"to":   b.CurrentStep,
	}); err != nil {
		return Bond{}, err
	}
	r.logger.WithFields(log.Fields{
		"bond_id": b.ID,
		"from":    prior.CurrentStep,
		"to":      b.CurrentStep,
		"label":   w.Label(),
	}).Info("bond step changed")
	return b, nil
}

// Renew creates the RENOUVELLEMENT bond that follows id.
func (r *BondRegistry) Renew(ctx context.Context, actor string, id generic.BondID, changes BondChanges) (BondResult, error) {
	prior, err := r.Get(ctx, id)
	if err != nil {
		return BondResult{}, err
	}
	subject := prior.Subject
	if changes.Subject != nil {
		subject = changes.Subject
	}
	in, err := r.inputs(ctx, subject)
	if err != nil {
		return BondResult{}, err
	}

	b, warnings, err := PrepareRenewal(*prior, changes, in)
	if err != nil {
		return BondResult{}, err
	}
	r.stamp(&b, true)

	if err := r.save(ctx, actor, b, generic.AuditBondRenewed, map[string]any{
		"previous_bond_id": string(prior.ID),
	}); err != nil {
		return BondResult{}, err
	}
	r.logWarnings(b, warnings)
	return BondResult{Bond: b, Warnings: warnings}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *BondRegistry) inputs(ctx context.Context, subject Subject) (BondInputs, error) {
	rates, err := r.Rates(ctx)
	if err != nil {
		return BondInputs{}, err
	}
	in := BondInputs{Rates: rates, Policy: r.policy}

	switch s := subject.(type) {
	case RentalSubject:
		rental, err := r.store.GetRental(ctx, s.RentalID)
		if err != nil {
			return BondInputs{}, fmt.Errorf("load rental %s: %w", s.RentalID, err)
		}
		if rental == nil {
			return BondInputs{}, fmt.Errorf("%w: %s", generic.ErrRentalNotFound, s.RentalID)
		}
		in.Rental = rental
	case SaleSubject:
		sale, err := r.store.GetSale(ctx, s.SaleID)
		if err != nil {
			return BondInputs{}, fmt.Errorf("load sale %s: %w", s.SaleID, err)
		}
		if sale == nil {
			return BondInputs{}, fmt.Errorf("%w: %s", generic.ErrSaleNotFound, s.SaleID)
		}
		in.Sale = sale
	}
	return in, nil
}

func (r *BondRegistry) stamp(b *Bond, isNew bool) {
	now := r.now().UTC()
	if isNew {
		b.ID = generic.BondID(generic.NewID())
		b.CreatedAt = now
		if b.BonNumber == "" {
			b.BonNumber = NewBonNumber(now)
		}
	}
	b.UpdatedAt = now
}

func (r *BondRegistry) save(ctx context.Context, actor string, b Bond, action generic.AuditAction, extra map[string]any) error {
	if err := r.store.SaveBond(ctx, b); err != nil {
		r.logger.WithError(err).WithField("bond_id", b.ID).Error("failed to save bond")
		return fmt.Errorf("save bond %s: %w", b.ID, err)
	}

	payload := map[string]any{
		"bon_number":        b.BonNumber,
		"bon_type":          string(b.BonType),
		"category":          string(b.Category()),
		"current_step":      b.CurrentStep,
		"bon_amount":        b.BonAmount.Value.String(),
		"device_price":      b.DevicePrice.Value.String(),
		"complement_amount": b.ComplementAmount.Value.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	entry := generic.AuditEntry{
		ID:        generic.NewID(),
		Timestamp: r.now().UTC(),
		ActorID:   actor,
		Action:    action,
		Subject:   "bond:" + string(b.ID),
		Payload:   payload,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		// Audit failures are logged, not returned.
		r.logger.WithError(err).WithField("bond_id", b.ID).Error("failed to append audit entry")
	}
	return nil
}

func (r *BondRegistry) logWarnings(b Bond, warnings []Warning) {
	for _, w := range warnings {
		r.logger.WithFields(log.Fields{
			"bond_id":  b.ID,
			"bon_type": b.BonType,
			"code":     w.Code,
		}).Warn(w.Message)
	}
}

// NewBonNumber generates a bond number such as BON-20240115-1A2B3C4D.
func NewBonNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "BON-" + at.Format("20060102") + "-" + suffix
}
