/*
scheduler.go - Renewal reminder scheduler

PURPOSE:
  Periodically looks for bonds whose renewal reminder date has arrived and
  raises one reminder per (bond, due date).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A bond is due once asOf >= end_date - renewal_reminder_days and no
    renewal bond points at it yet
  - Reminders already recorded in the ReminderStore are skipped, so a
    restart does not repeat them
  - A reminder is a structured warning log entry; notification delivery
    belongs to another module

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRenewalScheduler(bonds, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ListRenewals endpoint (the same query on demand)
  - cnam/registry.go: DueForRenewal
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
)

// RenewalScheduler raises renewal reminders.
type RenewalScheduler struct {
	Bonds         *cnam.BondRegistry
	Reminders     cnam.ReminderStore // optional; without it every run reports every due bond
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	logger log.FieldLogger
	now    func() time.Time
}

// NewRenewalScheduler creates a new scheduler. reminders may be nil.
func NewRenewalScheduler(bonds *cnam.BondRegistry, reminders cnam.ReminderStore, logger log.FieldLogger) *RenewalScheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RenewalScheduler{
		Bonds:         bonds,
		Reminders:     reminders,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger.WithField("component", "scheduler"),
		now:           time.Now,
	}
}

// Start begins the scheduler.
func (rs *RenewalScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.logger.WithField("interval", rs.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for the current check to finish.
func (rs *RenewalScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("scheduler stopped")
	}
}

func (rs *RenewalScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.check()

	for {
		select {
		case <-rs.ticker.C:
			rs.check()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RenewalScheduler) check() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.CheckInterval)
	defer cancel()

	if _, err := rs.RunOnce(ctx); err != nil {
		rs.logger.WithError(err).Error("renewal check failed")
	}
}

// RunOnce raises the reminders due today and returns how many were new.
func (rs *RenewalScheduler) RunOnce(ctx context.Context) (int, error) {
	asOf := generic.FromTime(rs.now())

	due, err := rs.Bonds.DueForRenewal(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("list bonds due for renewal: %w", err)
	}

	raised := 0
	for _, b := range due {
		dueOn, ok := b.RenewalDueOn()
		if !ok {
			continue
		}
		if rs.Reminders != nil {
			fresh, err := rs.Reminders.MarkReminder(ctx, b.ID, dueOn)
			if err != nil {
				rs.logger.WithError(err).WithField("bond_id", b.ID).Error("failed to record reminder")
				continue
			}
			if !fresh {
				continue
			}
		}

		fields := log.Fields{
			"bond_id":    b.ID,
			"bon_number": b.BonNumber,
			"patient_id": b.PatientID,
			"bon_type":   b.BonType,
			"due_on":     dueOn.String(),
		}
		if b.EndDate != nil {
			fields["end_date"] = b.EndDate.String()
		}
		rs.logger.WithFields(fields).Warn("bond renewal due")
		raised++
	}

	if raised > 0 {
		rs.logger.WithFields(log.Fields{"raised": raised, "due": len(due)}).Info("renewal check completed")
	}
	return raised, nil
}
