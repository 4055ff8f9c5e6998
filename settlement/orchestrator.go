// Package settlement drives an invoice through a payment rail to a recorded
// outcome. Every path through Settle ends with either a closed attempt or a
// pending attempt whose external reference is durably recorded for the
// confirmation watcher.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/samplesafe/clearance/ledger"
	"github.com/samplesafe/clearance/logger"
	"github.com/samplesafe/clearance/metrics"
	"github.com/samplesafe/clearance/rails"
	"github.com/samplesafe/clearance/types"
)

// Orchestrator is the settlement entry point.
type Orchestrator struct {
	ledger          ledger.Ledger
	rails           *rails.Registry
	watcher         *Watcher
	confirmDeadline time.Duration
	log             logger.Logger
	rec             metrics.Recorder
	now             func() time.Time
}

// NewOrchestrator wires the orchestrator. watcher may be nil when no
// asynchronous rail is configured.
func NewOrchestrator(led ledger.Ledger, registry *rails.Registry, watcher *Watcher, confirmDeadline time.Duration, log logger.Logger, rec metrics.Recorder) *Orchestrator {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Orchestrator{
		ledger:          led,
		rails:           registry,
		watcher:         watcher,
		confirmDeadline: confirmDeadline,
		log:             log,
		rec:             rec,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the orchestrator's clock, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Settle attempts to settle one invoice over one rail.
//
// The idempotency guard (one open attempt per invoice) and the ledger's
// atomic markPaid together guarantee at most one successful settlement even
// under concurrent calls: the loser observes ATTEMPT_IN_PROGRESS or
// ALREADY_SETTLED, never a double charge.
func (o *Orchestrator) Settle(ctx context.Context, invoiceID string, railKind types.Rail, cfg *types.RailConfig) (*types.SettlementOutcome, error) {
	started := o.now()
	labels := map[string]string{"rail": railKind.String()}
	defer func() {
		o.rec.ObserveLatency("settle", time.Since(started), labels)
	}()

	inv, err := o.ledger.GetInvoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == types.StatusPaid {
		return nil, types.NewError(types.ErrAlreadySettled, fmt.Sprintf("invoice %s already settled", invoiceID))
	}

	rail, err := o.rails.Get(railKind)
	if err != nil {
		return nil, err
	}

	// The invoice amount is fixed at creation; the caller's config never
	// overrides it.
	railCfg := *cfg
	railCfg.Amount = inv.Amount
	railCfg.InvoiceRef = inv.ID

	deadline := started.Add(o.confirmDeadline)

	// Opening the attempt before validating closes the race window between
	// two concurrent settles: the guard is the atomic gate, and a
	// validation failure simply closes the attempt as failed.
	attempt, err := o.ledger.OpenAttempt(invoiceID, railKind, deadline, started)
	if err != nil {
		return nil, err
	}

	if err := rail.Validate(ctx, &railCfg); err != nil {
		o.closeAttempt(attempt.ID, types.AttemptFailed, types.CodeOf(err))
		o.rec.IncCounter("settle_rejected", labels)
		return nil, err
	}

	result, err := rail.Submit(ctx, &railCfg)
	if err != nil {
		o.closeAttempt(attempt.ID, types.AttemptFailed, types.CodeOf(err))
		o.rec.IncCounter("settle_failed", labels)
		o.log.Warn("rail submit failed", map[string]any{
			"invoiceId": invoiceID,
			"rail":      railKind.String(),
			"error":     err.Error(),
		})
		return nil, err
	}

	if err := o.ledger.AttachExternalRef(attempt.ID, result.ExternalRef); err != nil {
		return nil, err
	}

	if result.Final {
		return o.settleSynchronous(inv, attempt, result)
	}
	return o.settleAsynchronous(inv, attempt, result, deadline)
}

// settleSynchronous finalizes a fiat settlement inside the same call: the
// processor already decided, so the invoice flips to paid immediately and no
// pending attempt is ever observable.
func (o *Orchestrator) settleSynchronous(inv *types.Invoice, attempt *types.SettlementAttempt, result *types.SubmissionResult) (*types.SettlementOutcome, error) {
	labels := map[string]string{"rail": attempt.Rail.String()}

	paid, err := o.ledger.MarkPaid(inv.ID, attempt.ID, result.ExternalRef, o.now())
	if err != nil {
		o.closeAttempt(attempt.ID, types.AttemptFailed, types.CodeOf(err))
		return nil, err
	}
	if err := o.ledger.CloseAttempt(attempt.ID, types.AttemptSucceeded, ""); err != nil {
		return nil, err
	}

	o.rec.IncCounter("settle_success", labels)
	o.log.Info("invoice settled", map[string]any{
		"invoiceId": inv.ID,
		"rail":      attempt.Rail.String(),
		"proof":     result.ExternalRef,
	})

	return &types.SettlementOutcome{
		InvoiceID:   paid.ID,
		AttemptID:   attempt.ID,
		Rail:        attempt.Rail,
		Status:      paid.Status,
		Pending:     false,
		ExternalRef: result.ExternalRef,
		Amount:      paid.Amount,
	}, nil
}

// settleAsynchronous hands the attempt to the confirmation watcher and
// returns a pending outcome; the invoice is not paid yet.
func (o *Orchestrator) settleAsynchronous(inv *types.Invoice, attempt *types.SettlementAttempt, result *types.SubmissionResult, deadline time.Time) (*types.SettlementOutcome, error) {
	labels := map[string]string{"rail": attempt.Rail.String()}

	if o.watcher != nil {
		o.watcher.Enqueue(Job{
			AttemptID: attempt.ID,
			InvoiceID: inv.ID,
			TxRef:     result.ExternalRef,
			Deadline:  deadline,
		})
	}

	o.rec.IncCounter("settle_pending", labels)
	o.log.Info("settlement pending confirmation", map[string]any{
		"invoiceId": inv.ID,
		"rail":      attempt.Rail.String(),
		"txRef":     result.ExternalRef,
	})

	return &types.SettlementOutcome{
		InvoiceID:   inv.ID,
		AttemptID:   attempt.ID,
		Rail:        attempt.Rail,
		Status:      inv.Status,
		Pending:     true,
		ExternalRef: result.ExternalRef,
		Amount:      inv.Amount,
	}, nil
}

func (o *Orchestrator) closeAttempt(attemptID string, outcome types.AttemptOutcome, reason string) {
	if err := o.ledger.CloseAttempt(attemptID, outcome, reason); err != nil {
		o.log.Error("failed to close attempt", map[string]any{
			"attemptId": attemptID,
			"error":     err.Error(),
		})
	}
}
