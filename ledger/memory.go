package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samplesafe/clearance/types"
)

var _ Ledger = (*MemoryStore)(nil)

// MemoryStore is an in-process ledger. One mutex guards both maps, so every
// operation, in particular the MarkPaid check-and-set and the OpenAttempt
// guard, is atomic.
type MemoryStore struct {
	mu       sync.Mutex
	invoices map[string]*types.Invoice
	attempts map[string]*types.SettlementAttempt
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*types.Invoice),
		attempts: make(map[string]*types.SettlementAttempt),
	}
}

func (m *MemoryStore) CreateInvoice(sampleRef, payerRef, payeeRef string, amount decimal.Decimal, rail types.Rail, dueAt time.Time, terms types.LicenseTerms) (*types.Invoice, error) {
	inv, err := newInvoice(sampleRef, payerRef, payeeRef, amount, rail, dueAt, terms, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = inv
	return cloneInvoice(inv), nil
}

func (m *MemoryStore) GetInvoice(invoiceID string) (*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("invoice %s not found", invoiceID))
	}
	return cloneInvoice(inv), nil
}

func (m *MemoryStore) MarkPaid(invoiceID, attemptID, proof string, settledAt time.Time) (*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("invoice %s not found", invoiceID))
	}
	if inv.Status == types.StatusPaid {
		return nil, types.NewError(types.ErrAlreadySettled, fmt.Sprintf("invoice %s already settled", invoiceID))
	}

	inv.Status = types.StatusPaid
	inv.SettledAt = &settledAt
	inv.Proof = proof
	return cloneInvoice(inv), nil
}

func (m *MemoryStore) AttachDocument(invoiceID, contentID, retrievalURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("invoice %s not found", invoiceID))
	}
	inv.DocumentRef = contentID
	inv.DocumentURL = retrievalURL
	return nil
}

func (m *MemoryStore) ListOverdue(now time.Time) ([]*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Invoice
	for _, inv := range m.invoices {
		if overdue(inv, now) {
			out = append(out, cloneInvoice(inv))
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkOverdue(now time.Time) ([]*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Invoice
	for _, inv := range m.invoices {
		if overdue(inv, now) {
			inv.Status = types.StatusOverdue
			out = append(out, cloneInvoice(inv))
		}
	}
	return out, nil
}

func (m *MemoryStore) OpenAttempt(invoiceID string, rail types.Rail, deadline time.Time, now time.Time) (*types.SettlementAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[invoiceID]; !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("invoice %s not found", invoiceID))
	}
	for _, a := range m.attempts {
		if a.InvoiceID == invoiceID && a.Open() {
			return nil, types.NewError(types.ErrAttemptInProgress,
				fmt.Sprintf("attempt %s for invoice %s is %s", a.ID, invoiceID, a.Outcome))
		}
	}

	attempt := &types.SettlementAttempt{
		ID:          types.NewAttemptID(),
		InvoiceID:   invoiceID,
		Rail:        rail,
		SubmittedAt: now,
		Outcome:     types.AttemptPending,
		Deadline:    deadline,
	}
	m.attempts[attempt.ID] = attempt
	return cloneAttempt(attempt), nil
}

func (m *MemoryStore) AttachExternalRef(attemptID, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("attempt %s not found", attemptID))
	}
	a.ExternalRef = externalRef
	return nil
}

func (m *MemoryStore) CloseAttempt(attemptID string, outcome types.AttemptOutcome, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("attempt %s not found", attemptID))
	}
	a.Outcome = outcome
	a.FailureReason = failureReason
	return nil
}

func (m *MemoryStore) GetAttempt(attemptID string) (*types.SettlementAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("attempt %s not found", attemptID))
	}
	return cloneAttempt(a), nil
}

func (m *MemoryStore) PendingAttempts() ([]*types.SettlementAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.SettlementAttempt
	for _, a := range m.attempts {
		if a.Outcome == types.AttemptPending && a.ExternalRef != "" {
			out = append(out, cloneAttempt(a))
		}
	}
	return out, nil
}

func (m *MemoryStore) TimedOutAttempts() ([]*types.SettlementAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.SettlementAttempt
	for _, a := range m.attempts {
		if a.Outcome == types.AttemptFailed && a.FailureReason == types.ErrConfirmationTimeout && a.ExternalRef != "" {
			out = append(out, cloneAttempt(a))
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneInvoice(inv *types.Invoice) *types.Invoice {
	c := *inv
	if inv.SettledAt != nil {
		t := *inv.SettledAt
		c.SettledAt = &t
	}
	return &c
}

func cloneAttempt(a *types.SettlementAttempt) *types.SettlementAttempt {
	c := *a
	return &c
}
