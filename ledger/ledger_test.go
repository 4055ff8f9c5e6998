package ledger

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samplesafe/clearance/types"
)

var testTerms = types.LicenseTerms{
	Usage:           types.UsageCommercial,
	Territory:       types.TerritoryWorldwide,
	DurationSeconds: 30,
}

func stores(t *testing.T) map[string]Ledger {
	t.Helper()

	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]Ledger{
		"memory": NewMemoryStore(),
		"bolt":   boltStore,
	}
}

func createTestInvoice(t *testing.T, led Ledger, dueAt time.Time) *types.Invoice {
	t.Helper()
	inv, err := led.CreateInvoice("sample_1", "payer_1", "payee_1",
		decimal.NewFromInt(200), types.RailOnchain, dueAt, testTerms)
	require.NoError(t, err)
	return inv
}

func TestCreateInvoice(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			dueAt := time.Now().UTC().Add(24 * time.Hour)
			inv := createTestInvoice(t, led, dueAt)

			assert.NotEmpty(t, inv.ID)
			assert.NotEmpty(t, inv.Number)
			assert.Equal(t, types.StatusUnpaid, inv.Status)
			assert.Nil(t, inv.SettledAt)

			got, err := led.GetInvoice(inv.ID)
			require.NoError(t, err)
			assert.Equal(t, inv.ID, got.ID)
			assert.True(t, got.Amount.Equal(decimal.NewFromInt(200)))
		})
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			dueAt := time.Now().UTC().Add(time.Hour)

			_, err := led.CreateInvoice("s", "p", "q", decimal.Zero, types.RailOnchain, dueAt, testTerms)
			assert.Equal(t, types.ErrValidation, types.CodeOf(err))

			_, err = led.CreateInvoice("s", "p", "q", decimal.NewFromInt(-5), types.RailOnchain, dueAt, testTerms)
			assert.Equal(t, types.ErrValidation, types.CodeOf(err))

			_, err = led.CreateInvoice("s", "p", "q", decimal.NewFromInt(10), types.Rail("paypal"), dueAt, testTerms)
			assert.Equal(t, types.ErrUnsupportedRail, types.CodeOf(err))

			_, err = led.CreateInvoice("", "p", "q", decimal.NewFromInt(10), types.RailFiat, dueAt, testTerms)
			assert.Equal(t, types.ErrValidation, types.CodeOf(err))
		})
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := led.GetInvoice("inv_missing")
			assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
		})
	}
}

func TestMarkPaidExactlyOnce(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inv := createTestInvoice(t, led, time.Now().UTC().Add(time.Hour))
			settledAt := time.Now().UTC()

			paid, err := led.MarkPaid(inv.ID, "att_1", "0xproof", settledAt)
			require.NoError(t, err)
			assert.Equal(t, types.StatusPaid, paid.Status)
			assert.Equal(t, "0xproof", paid.Proof)
			require.NotNil(t, paid.SettledAt)

			_, err = led.MarkPaid(inv.ID, "att_2", "0xother", settledAt)
			assert.Equal(t, types.ErrAlreadySettled, types.CodeOf(err))

			// the losing call must not overwrite the recorded proof
			got, err := led.GetInvoice(inv.ID)
			require.NoError(t, err)
			assert.Equal(t, "0xproof", got.Proof)
		})
	}
}

func TestMarkPaidConcurrent(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inv := createTestInvoice(t, led, time.Now().UTC().Add(time.Hour))

			const callers = 16
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := led.MarkPaid(inv.ID, "att_race", "0xrace", time.Now().UTC()); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load(), "exactly one caller may settle the invoice")
		})
	}
}

func TestOverdueListingAndFlip(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			past := createTestInvoice(t, led, now.Add(-time.Hour))
			future := createTestInvoice(t, led, now.Add(time.Hour))
			settled := createTestInvoice(t, led, now.Add(-time.Hour))
			_, err := led.MarkPaid(settled.ID, "att_s", "proof", now)
			require.NoError(t, err)

			overdue, err := led.ListOverdue(now)
			require.NoError(t, err)
			require.Len(t, overdue, 1)
			assert.Equal(t, past.ID, overdue[0].ID)

			// listing is a derived view: stored status is untouched
			got, err := led.GetInvoice(past.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusUnpaid, got.Status)

			flipped, err := led.MarkOverdue(now)
			require.NoError(t, err)
			require.Len(t, flipped, 1)

			got, err = led.GetInvoice(past.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusOverdue, got.Status)

			got, err = led.GetInvoice(future.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusUnpaid, got.Status)
		})
	}
}

func TestOpenAttemptGuard(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			deadline := now.Add(5 * time.Minute)
			inv := createTestInvoice(t, led, now.Add(time.Hour))

			first, err := led.OpenAttempt(inv.ID, types.RailOnchain, deadline, now)
			require.NoError(t, err)
			assert.Equal(t, types.AttemptPending, first.Outcome)

			_, err = led.OpenAttempt(inv.ID, types.RailOnchain, deadline, now)
			assert.Equal(t, types.ErrAttemptInProgress, types.CodeOf(err))

			// a failed attempt releases the guard
			require.NoError(t, led.CloseAttempt(first.ID, types.AttemptFailed, "declined"))
			second, err := led.OpenAttempt(inv.ID, types.RailFiat, deadline, now)
			require.NoError(t, err)

			// a succeeded attempt blocks forever
			require.NoError(t, led.CloseAttempt(second.ID, types.AttemptSucceeded, ""))
			_, err = led.OpenAttempt(inv.ID, types.RailFiat, deadline, now)
			assert.Equal(t, types.ErrAttemptInProgress, types.CodeOf(err))
		})
	}
}

func TestOpenAttemptConcurrent(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			inv := createTestInvoice(t, led, now.Add(time.Hour))

			const callers = 16
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := led.OpenAttempt(inv.ID, types.RailOnchain, now.Add(time.Minute), now); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load(), "the idempotency guard admits exactly one attempt")
		})
	}
}

func TestPendingAndTimedOutAttempts(t *testing.T) {
	for name, led := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			deadline := now.Add(time.Minute)

			tracked := createTestInvoice(t, led, now.Add(time.Hour))
			a1, err := led.OpenAttempt(tracked.ID, types.RailOnchain, deadline, now)
			require.NoError(t, err)
			require.NoError(t, led.AttachExternalRef(a1.ID, "0xtx1"))

			// pending without an external ref is not resumable yet
			unsent := createTestInvoice(t, led, now.Add(time.Hour))
			_, err = led.OpenAttempt(unsent.ID, types.RailOnchain, deadline, now)
			require.NoError(t, err)

			expired := createTestInvoice(t, led, now.Add(time.Hour))
			a3, err := led.OpenAttempt(expired.ID, types.RailX402, deadline, now)
			require.NoError(t, err)
			require.NoError(t, led.AttachExternalRef(a3.ID, "0xtx3"))
			require.NoError(t, led.CloseAttempt(a3.ID, types.AttemptFailed, types.ErrConfirmationTimeout))

			pending, err := led.PendingAttempts()
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, a1.ID, pending[0].ID)
			assert.Equal(t, "0xtx1", pending[0].ExternalRef)

			timedOut, err := led.TimedOutAttempts()
			require.NoError(t, err)
			require.Len(t, timedOut, 1)
			assert.Equal(t, a3.ID, timedOut[0].ID)
		})
	}
}

func TestBoltPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	inv := createTestInvoice(t, store, time.Now().UTC().Add(time.Hour))
	a, err := store.OpenAttempt(inv.ID, types.RailOnchain, time.Now().UTC().Add(time.Minute), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.AttachExternalRef(a.ID, "0xdeadbeef"))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetInvoice(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Number, got.Number)

	pending, err := reopened.PendingAttempts()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xdeadbeef", pending[0].ExternalRef)
}
