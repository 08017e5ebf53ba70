/*
billing.go - Rental payment history and billing-period sequencing

PURPOSE:
  Records, edits and deletes rental payments while keeping the rental's
  period numbers contiguous (P1..PN ordered by period start) and the gap
  days current.

INVARIANT:
  For a rental, the sequenced payments sorted by period start carry period
  numbers 1..N. Every insert, edit or delete renumbers the whole history;
  inserting a period before existing ones shifts their numbers.

OVERLAPS:
  A period that starts before the previous one ends has a negative raw gap.
  Its stored gap is 0 and it is flagged Overlap. A new overlap is rejected
  with *generic.OverlapError unless the operator acknowledges it
  (RecordOptions.AcknowledgeOverlap) or BillingPolicy.AllowOverlap is set.

CONCURRENCY:
  Writers for one rental are serialized by a per-rental lock, and all
  renumbered payments are written in a single ApplyPayments call.

PAYMENTS WITHOUT PERIOD:
  Deposits and other payments without a period start are stored with nil
  period number and gap, and never take part in the sequence.

SEE ALSO:
  - generic/sequence.go: Resequence / NextPlacement
  - payment.go: PlanPayment
*/
package cnam

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/cnam-engine/generic"
)

// RentalBilling manages the payment history of rentals.
type RentalBilling struct {
	store  Store
	policy BillingPolicy
	locks  generic.KeyedMutex
	logger log.FieldLogger
	now    func() time.Time
}

// RecordOptions qualify a write.
type RecordOptions struct {
	Actor              string
	AcknowledgeOverlap bool
}

// BillingResult is the saved payment and every other payment of the rental
// whose number, gap or overlap flag changed as a consequence.
type BillingResult struct {
	Payment    Payment
	Renumbered []Payment
	Lapse      bool // the payment's gap exceeds the lapse threshold
}

// Lapse is an unbilled stretch between two periods (or the installation
// and the first period).
type Lapse struct {
	PaymentID    generic.PaymentID
	PeriodNumber int
	From         generic.TimePoint // installation date or previous period end
	To           generic.TimePoint // period start
	GapDays      int
}

// NewRentalBilling creates the service. A nil logger uses the logrus standard logger.
func NewRentalBilling(store Store, policy BillingPolicy, logger log.FieldLogger) *RentalBilling {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RentalBilling{
		store:  store,
		policy: policy,
		logger: logger.WithField("component", "rental_billing"),
		now:    time.Now,
	}
}

// Policy returns the billing policy in force.
func (rb *RentalBilling) Policy() BillingPolicy { return rb.policy }

// =============================================================================
// QUERIES
// =============================================================================

// History returns a rental's payments: sequenced ones by period number,
// then the others by payment date.
func (rb *RentalBilling) History(ctx context.Context, rentalID generic.RentalID) ([]Payment, error) {
	if _, err := rb.rental(ctx, rentalID); err != nil {
		return nil, err
	}
	payments, err := rb.store.ListPaymentsByRental(ctx, rentalID)
	if err != nil {
		return nil, fmt.Errorf("list payments of rental %s: %w", rentalID, err)
	}
	sortHistory(payments)
	return payments, nil
}

// Preview computes, without saving, the number and gap a new period starting
// on start would get if appended to the rental's history.
func (rb *RentalBilling) Preview(ctx context.Context, rentalID generic.RentalID, start generic.TimePoint) (generic.Placement, error) {
	rental, err := rb.rental(ctx, rentalID)
	if err != nil {
		return generic.Placement{}, err
	}
	payments, err := rb.store.ListPaymentsByRental(ctx, rentalID)
	if err != nil {
		return generic.Placement{}, fmt.Errorf("list payments of rental %s: %w", rentalID, err)
	}
	var periods []generic.Period
	for _, p := range payments {
		if p.Period != nil {
			periods = append(periods, *p.Period)
		}
	}
	return generic.NextPlacement(periods, rental.StartDate, start), nil
}

// Lapses returns the gaps longer than the policy threshold.
func (rb *RentalBilling) Lapses(ctx context.Context, rentalID generic.RentalID) ([]Lapse, error) {
	rental, err := rb.rental(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	payments, err := rb.store.ListPaymentsByRental(ctx, rentalID)
	if err != nil {
		return nil, fmt.Errorf("list payments of rental %s: %w", rentalID, err)
	}

	placements := generic.Resequence(sequenceEntries(payments), rental.StartDate)
	var lapses []Lapse
	from := rental.StartDate
	for _, pl := range placements {
		if pl.GapDays > rb.policy.LapseThresholdDays {
			lapses = append(lapses, Lapse{
				PaymentID:    generic.PaymentID(pl.Key),
				PeriodNumber: pl.PeriodNumber,
				From:         from,
				To:           pl.Period.Start,
				GapDays:      pl.GapDays,
			})
		}
		from = pl.Period.End
	}
	return lapses, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

// Record adds a payment to its rental.
func (rb *RentalBilling) Record(ctx context.Context, changes PaymentChanges, opts RecordOptions) (BillingResult, error) {
	p, err := PlanPayment(nil, changes)
	if err != nil {
		return BillingResult{}, err
	}
	p.ID = generic.PaymentID(generic.NewID())
	p.CreatedAt = rb.now().UTC()
	return rb.write(ctx, nil, p, opts, generic.AuditPaymentRecorded)
}

// Edit changes an existing payment. The edited payment is excluded from the
// history it is sequenced against.
func (rb *RentalBilling) Edit(ctx context.Context, id generic.PaymentID, changes PaymentChanges, opts RecordOptions) (BillingResult, error) {
	prior, err := rb.store.GetPayment(ctx, id)
	if err != nil {
		return BillingResult{}, fmt.Errorf("load payment %s: %w", id, err)
	}
	if prior == nil {
		return BillingResult{}, fmt.Errorf("%w: %s", generic.ErrPaymentNotFound, id)
	}
	if changes.RentalID != nil && *changes.RentalID != prior.RentalID {
		return BillingResult{}, generic.Invalid("rental_id", "a payment cannot move to another rental")
	}

	p, err := PlanPayment(prior, changes)
	if err != nil {
		return BillingResult{}, err
	}
	return rb.write(ctx, prior, p, opts, generic.AuditPaymentEdited)
}

// Delete removes a payment and renumbers the rest of the rental's history.
func (rb *RentalBilling) Delete(ctx context.Context, id generic.PaymentID, actor string) ([]Payment, error) {
	prior, err := rb.store.GetPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", id, err)
	}
	if prior == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrPaymentNotFound, id)
	}
	rental, err := rb.rental(ctx, prior.RentalID)
	if err != nil {
		return nil, err
	}

	unlock := rb.locks.Lock(string(rental.ID))
	defer unlock()

	existing, err := rb.store.ListPaymentsByRental(ctx, rental.ID)
	if err != nil {
		return nil, fmt.Errorf("list payments of rental %s: %w", rental.ID, err)
	}
	remaining := existing[:0:0]
	for _, e := range existing {
		if e.ID != id {
			remaining = append(remaining, e)
		}
	}

	placements := generic.Resequence(sequenceEntries(remaining), rental.StartDate)
	renumbered := rb.renumber(remaining, placements, "")
	if overlap := generic.FirstOverlap(placements); overlap != nil {
		rb.logger.WithField("rental_id", rental.ID).Warn(overlap.Error())
	}

	if err := rb.store.ApplyPayments(ctx, renumbered, []generic.PaymentID{id}); err != nil {
		return nil, fmt.Errorf("delete payment %s: %w", id, err)
	}
	rb.audit(ctx, actor, generic.AuditPaymentDeleted, *prior, len(renumbered))
	rb.logger.WithFields(log.Fields{
		"rental_id":  rental.ID,
		"payment_id": id,
		"renumbered": len(renumbered),
	}).Info("payment deleted")
	return renumbered, nil
}

// =============================================================================
// SEQUENCING
// =============================================================================

func (rb *RentalBilling) write(ctx context.Context, prior *Payment, p Payment, opts RecordOptions, action generic.AuditAction) (BillingResult, error) {
	rental, err := rb.rental(ctx, p.RentalID)
	if err != nil {
		return BillingResult{}, err
	}

	unlock := rb.locks.Lock(string(rental.ID))
	defer unlock()

	existing, err := rb.store.ListPaymentsByRental(ctx, rental.ID)
	if err != nil {
		return BillingResult{}, fmt.Errorf("list payments of rental %s: %w", rental.ID, err)
	}
	others := existing[:0:0]
	for _, e := range existing {
		if e.ID != p.ID {
			others = append(others, e)
		}
	}

	all := append(append([]Payment{}, others...), p)
	placements := generic.Resequence(sequenceEntries(all), rental.StartDate)

	var keep generic.PaymentID
	if prior != nil && prior.Overlap && samePeriod(prior.Period, p.Period) {
		keep = p.ID
	}
	if err := rb.checkOverlaps(others, placements, keep, opts); err != nil {
		rb.logger.WithFields(log.Fields{
			"rental_id":  rental.ID,
			"payment_id": p.ID,
		}).Warn(err.Error())
		return BillingResult{}, err
	}

	for _, pl := range placements {
		if pl.Key == string(p.ID) {
			p.ApplyPlacement(pl)
		}
	}
	p.UpdatedAt = rb.now().UTC()
	renumbered := rb.renumber(others, placements, p.ID)

	upserts := append([]Payment{p}, renumbered...)
	if err := rb.store.ApplyPayments(ctx, upserts, nil); err != nil {
		rb.logger.WithError(err).WithField("rental_id", rental.ID).Error("failed to save payments")
		return BillingResult{}, fmt.Errorf("save payment %s: %w", p.ID, err)
	}

	result := BillingResult{Payment: p, Renumbered: renumbered}
	if p.GapDays != nil && *p.GapDays > rb.policy.LapseThresholdDays {
		result.Lapse = true
	}

	rb.audit(ctx, opts.Actor, action, p, len(renumbered))
	fields := log.Fields{
		"rental_id":  rental.ID,
		"payment_id": p.ID,
		"renumbered": len(renumbered),
	}
	if p.PeriodNumber != nil {
		fields["period_number"] = *p.PeriodNumber
		fields["gap_days"] = *p.GapDays
	}
	entry := rb.logger.WithFields(fields)
	if result.Lapse {
		entry.Warn("coverage lapse before billing period")
	} else {
		entry.Info("payment saved")
	}
	return result, nil
}

// checkOverlaps rejects overlaps introduced by this write. Overlaps already
// stored as acknowledged stay accepted, including keep, the edited payment
// when its period is unchanged.
func (rb *RentalBilling) checkOverlaps(others []Payment, placements []generic.Placement, keep generic.PaymentID, opts RecordOptions) error {
	if opts.AcknowledgeOverlap || rb.policy.AllowOverlap {
		return nil
	}
	acknowledged := make(map[string]bool)
	if keep != "" {
		acknowledged[string(keep)] = true
	}
	for _, o := range others {
		if o.Overlap {
			acknowledged[string(o.ID)] = true
		}
	}
	var fresh []generic.Placement
	for _, pl := range placements {
		if pl.Overlap && !acknowledged[pl.Key] {
			fresh = append(fresh, pl)
		}
	}
	return generic.FirstOverlap(fresh)
}

// renumber applies placements to payments and returns those that changed,
// skipping the payment being written.
func (rb *RentalBilling) renumber(payments []Payment, placements []generic.Placement, skip generic.PaymentID) []Payment {
	byKey := make(map[string]generic.Placement, len(placements))
	for _, pl := range placements {
		byKey[pl.Key] = pl
	}

	var changed []Payment
	for _, p := range payments {
		if p.ID == skip {
			continue
		}
		pl, ok := byKey[string(p.ID)]
		if !ok {
			continue
		}
		if samePlacement(p, pl) {
			continue
		}
		p.ApplyPlacement(pl)
		p.UpdatedAt = rb.now().UTC()
		changed = append(changed, p)
	}
	return changed
}

func (rb *RentalBilling) rental(ctx context.Context, id generic.RentalID) (*Rental, error) {
	rental, err := rb.store.GetRental(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load rental %s: %w", id, err)
	}
	if rental == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrRentalNotFound, id)
	}
	return rental, nil
}

func (rb *RentalBilling) audit(ctx context.Context, actor string, action generic.AuditAction, p Payment, renumbered int) {
	payload := map[string]any{
		"rental_id":  string(p.RentalID),
		"amount":     p.Amount.Value.String(),
		"renumbered": renumbered,
	}
	if p.PeriodNumber != nil {
		payload["period_number"] = *p.PeriodNumber
		payload["gap_days"] = *p.GapDays
		payload["overlap"] = p.Overlap
	}
	entry := generic.AuditEntry{
		ID:        generic.NewID(),
		Timestamp: rb.now().UTC(),
		ActorID:   actor,
		Action:    action,
		Subject:   "payment:" + string(p.ID),
		Payload:   payload,
	}
	if err := rb.store.AppendAudit(ctx, entry); err != nil {
		rb.logger.WithError(err).WithField("payment_id", p.ID).Error("failed to append audit entry")
	}
}

func samePlacement(p Payment, pl generic.Placement) bool {
	return p.PeriodNumber != nil && *p.PeriodNumber == pl.PeriodNumber &&
		p.GapDays != nil && *p.GapDays == pl.GapDays &&
		p.Overlap == pl.Overlap
}

func samePeriod(a, b *generic.Period) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

func sequenceEntries(payments []Payment) []generic.SequenceEntry {
	var entries []generic.SequenceEntry
	for _, p := range payments {
		if p.Period == nil {
			continue
		}
		entries = append(entries, generic.SequenceEntry{Key: string(p.ID), Period: *p.Period})
	}
	return entries
}

func sortHistory(payments []Payment) {
	sort.SliceStable(payments, func(i, j int) bool {
		a, b := payments[i], payments[j]
		switch {
		case a.PeriodNumber != nil && b.PeriodNumber != nil:
			return *a.PeriodNumber < *b.PeriodNumber
		case a.PeriodNumber != nil:
			return true
		case b.PeriodNumber != nil:
			return false
		default:
			return a.PaymentDate.Before(b.PaymentDate)
		}
	})
}
