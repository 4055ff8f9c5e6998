// Package ledger owns invoice and settlement-attempt records. It is the only
// component allowed to transition invoice status, and every transition is an
// atomic check-and-set: markPaid succeeds at most once per invoice no matter
// how many callers race.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samplesafe/clearance/types"
)

// Ledger is the storage contract for invoices and attempts. Implementations
// must make MarkPaid and OpenAttempt atomic with respect to concurrent calls
// for the same invoice.
type Ledger interface {
	// CreateInvoice builds and persists a new unpaid invoice. Fails with
	// VALIDATION_ERROR if amount is not positive.
	CreateInvoice(sampleRef, payerRef, payeeRef string, amount decimal.Decimal, rail types.Rail, dueAt time.Time, terms types.LicenseTerms) (*types.Invoice, error)

	// GetInvoice fails with NOT_FOUND for unknown ids.
	GetInvoice(invoiceID string) (*types.Invoice, error)

	// MarkPaid atomically transitions the invoice to paid. Exactly one
	// caller wins; the rest get ALREADY_SETTLED.
	MarkPaid(invoiceID, attemptID, proof string, settledAt time.Time) (*types.Invoice, error)

	// AttachDocument records the archived invoice document reference.
	AttachDocument(invoiceID, contentID, retrievalURL string) error

	// ListOverdue returns unpaid invoices whose due time has passed.
	// Side-effect free: overdue is a derived view, not stored state.
	ListOverdue(now time.Time) ([]*types.Invoice, error)

	// MarkOverdue is the explicit status flip for elapsed invoices.
	MarkOverdue(now time.Time) ([]*types.Invoice, error)

	// OpenAttempt records a new pending attempt, enforcing the idempotency
	// guard: fails with ATTEMPT_IN_PROGRESS while another attempt for the
	// invoice is pending or succeeded.
	OpenAttempt(invoiceID string, rail types.Rail, deadline time.Time, now time.Time) (*types.SettlementAttempt, error)

	// AttachExternalRef records the rail's transaction/charge reference on a
	// pending attempt so polling can resume after a restart.
	AttachExternalRef(attemptID, externalRef string) error

	// CloseAttempt finalizes an attempt as succeeded or failed.
	CloseAttempt(attemptID string, outcome types.AttemptOutcome, failureReason string) error

	// GetAttempt fails with NOT_FOUND for unknown ids.
	GetAttempt(attemptID string) (*types.SettlementAttempt, error)

	// PendingAttempts returns attempts still awaiting confirmation, for
	// resuming the watcher after a restart.
	PendingAttempts() ([]*types.SettlementAttempt, error)

	// TimedOutAttempts returns attempts closed as confirmation timeouts that
	// carry an external reference, for late-confirmation reconciliation.
	TimedOutAttempts() ([]*types.SettlementAttempt, error)

	Close() error
}

// newInvoice validates and constructs an invoice record. Shared by stores so
// both enforce identical creation rules.
func newInvoice(sampleRef, payerRef, payeeRef string, amount decimal.Decimal, rail types.Rail, dueAt time.Time, terms types.LicenseTerms, now time.Time) (*types.Invoice, error) {
	if !amount.IsPositive() {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invoice amount must be positive, got %s", amount))
	}
	if !rail.IsValid() {
		return nil, types.NewError(types.ErrUnsupportedRail, fmt.Sprintf("unsupported rail: %s", rail))
	}
	if sampleRef == "" || payerRef == "" || payeeRef == "" {
		return nil, types.NewError(types.ErrValidation, "sampleRef, payerRef and payeeRef are required")
	}

	return &types.Invoice{
		ID:        types.NewInvoiceID(),
		Number:    types.NewInvoiceNumber(now),
		SampleRef: sampleRef,
		PayerRef:  payerRef,
		PayeeRef:  payeeRef,
		Amount:    amount,
		Status:    types.StatusUnpaid,
		Rail:      rail,
		Terms:     terms,
		CreatedAt: now,
		DueAt:     dueAt,
	}, nil
}

func overdue(inv *types.Invoice, now time.Time) bool {
	return inv.Status == types.StatusUnpaid && inv.DueAt.Before(now)
}
