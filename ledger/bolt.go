package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/samplesafe/clearance/types"
)

const (
	invoiceBucket = "invoices"
	attemptBucket = "attempts"
)

var _ Ledger = (*BoltStore)(nil)

// BoltStore is a file-backed ledger. Every mutation runs inside one
// db.Update transaction, which is what makes MarkPaid's check-and-set and
// the OpenAttempt guard atomic: BoltDB serializes writers.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the ledger database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(invoiceBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(attemptBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateInvoice(sampleRef, payerRef, payeeRef string, amount decimal.Decimal, rail types.Rail, dueAt time.Time, terms types.LicenseTerms) (*types.Invoice, error) {
	inv, err := newInvoice(sampleRef, payerRef, payeeRef, amount, rail, dueAt, terms, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return putInvoice(tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *BoltStore) GetInvoice(invoiceID string) (*types.Invoice, error) {
	var inv *types.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		inv, err = getInvoice(tx, invoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *BoltStore) MarkPaid(invoiceID, attemptID, proof string, settledAt time.Time) (*types.Invoice, error) {
	var inv *types.Invoice

	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := getInvoice(tx, invoiceID)
		if err != nil {
			return err
		}
		// Check-and-set inside the write transaction: a concurrent caller
		// either sees unpaid (and wins) or paid (and loses).
		if cur.Status == types.StatusPaid {
			return types.NewError(types.ErrAlreadySettled, fmt.Sprintf("invoice %s already settled", invoiceID))
		}

		cur.Status = types.StatusPaid
		cur.SettledAt = &settledAt
		cur.Proof = proof
		inv = cur
		return putInvoice(tx, cur)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *BoltStore) AttachDocument(invoiceID, contentID, retrievalURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		inv, err := getInvoice(tx, invoiceID)
		if err != nil {
			return err
		}
		inv.DocumentRef = contentID
		inv.DocumentURL = retrievalURL
		return putInvoice(tx, inv)
	})
}

func (s *BoltStore) ListOverdue(now time.Time) ([]*types.Invoice, error) {
	var out []*types.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachInvoice(tx, func(inv *types.Invoice) error {
			if overdue(inv, now) {
				out = append(out, inv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MarkOverdue(now time.Time) ([]*types.Invoice, error) {
	var out []*types.Invoice
	err := s.db.Update(func(tx *bolt.Tx) error {
		var flipped []*types.Invoice
		err := forEachInvoice(tx, func(inv *types.Invoice) error {
			if overdue(inv, now) {
				flipped = append(flipped, inv)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, inv := range flipped {
			inv.Status = types.StatusOverdue
			if err := putInvoice(tx, inv); err != nil {
				return err
			}
		}
		out = flipped
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) OpenAttempt(invoiceID string, rail types.Rail, deadline time.Time, now time.Time) (*types.SettlementAttempt, error) {
	attempt := &types.SettlementAttempt{
		ID:          types.NewAttemptID(),
		InvoiceID:   invoiceID,
		Rail:        rail,
		SubmittedAt: now,
		Outcome:     types.AttemptPending,
		Deadline:    deadline,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getInvoice(tx, invoiceID); err != nil {
			return err
		}
		var open *types.SettlementAttempt
		err := forEachAttempt(tx, func(a *types.SettlementAttempt) error {
			if a.InvoiceID == invoiceID && a.Open() {
				open = a
			}
			return nil
		})
		if err != nil {
			return err
		}
		if open != nil {
			return types.NewError(types.ErrAttemptInProgress,
				fmt.Sprintf("attempt %s for invoice %s is %s", open.ID, invoiceID, open.Outcome))
		}
		return putAttempt(tx, attempt)
	})
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

func (s *BoltStore) AttachExternalRef(attemptID, externalRef string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttempt(tx, attemptID)
		if err != nil {
			return err
		}
		a.ExternalRef = externalRef
		return putAttempt(tx, a)
	})
}

func (s *BoltStore) CloseAttempt(attemptID string, outcome types.AttemptOutcome, failureReason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttempt(tx, attemptID)
		if err != nil {
			return err
		}
		a.Outcome = outcome
		a.FailureReason = failureReason
		return putAttempt(tx, a)
	})
}

func (s *BoltStore) GetAttempt(attemptID string) (*types.SettlementAttempt, error) {
	var a *types.SettlementAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getAttempt(tx, attemptID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *BoltStore) PendingAttempts() ([]*types.SettlementAttempt, error) {
	return s.filterAttempts(func(a *types.SettlementAttempt) bool {
		return a.Outcome == types.AttemptPending && a.ExternalRef != ""
	})
}

func (s *BoltStore) TimedOutAttempts() ([]*types.SettlementAttempt, error) {
	return s.filterAttempts(func(a *types.SettlementAttempt) bool {
		return a.Outcome == types.AttemptFailed &&
			a.FailureReason == types.ErrConfirmationTimeout &&
			a.ExternalRef != ""
	})
}

func (s *BoltStore) filterAttempts(keep func(*types.SettlementAttempt) bool) ([]*types.SettlementAttempt, error) {
	var out []*types.SettlementAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachAttempt(tx, func(a *types.SettlementAttempt) error {
			if keep(a) {
				out = append(out, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- bucket helpers ---

func getInvoice(tx *bolt.Tx, id string) (*types.Invoice, error) {
	v := tx.Bucket([]byte(invoiceBucket)).Get([]byte(id))
	if v == nil {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("invoice %s not found", id))
	}
	var inv types.Invoice
	if err := json.Unmarshal(v, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice %s: %w", id, err)
	}
	return &inv, nil
}

func putInvoice(tx *bolt.Tx, inv *types.Invoice) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invoice %s: %w", inv.ID, err)
	}
	return tx.Bucket([]byte(invoiceBucket)).Put([]byte(inv.ID), data)
}

func forEachInvoice(tx *bolt.Tx, fn func(*types.Invoice) error) error {
	return tx.Bucket([]byte(invoiceBucket)).ForEach(func(_, v []byte) error {
		var inv types.Invoice
		if err := json.Unmarshal(v, &inv); err != nil {
			return err
		}
		return fn(&inv)
	})
}

func getAttempt(tx *bolt.Tx, id string) (*types.SettlementAttempt, error) {
	v := tx.Bucket([]byte(attemptBucket)).Get([]byte(id))
	if v == nil {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("attempt %s not found", id))
	}
	var a types.SettlementAttempt
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, fmt.Errorf("decode attempt %s: %w", id, err)
	}
	return &a, nil
}

func putAttempt(tx *bolt.Tx, a *types.SettlementAttempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt %s: %w", a.ID, err)
	}
	return tx.Bucket([]byte(attemptBucket)).Put([]byte(a.ID), data)
}

func forEachAttempt(tx *bolt.Tx, fn func(*types.SettlementAttempt) error) error {
	return tx.Bucket([]byte(attemptBucket)).ForEach(func(_, v []byte) error {
		var a types.SettlementAttempt
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		return fn(&a)
	})
}
