package clearance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samplesafe/clearance/docstore"
	"github.com/samplesafe/clearance/rails"
	"github.com/samplesafe/clearance/types"
)

type recordingProcessor struct {
	result *rails.ChargeResult
	calls  int
}

func (p *recordingProcessor) Charge(_ context.Context, _ decimal.Decimal, _ string, _ map[string]string) (*rails.ChargeResult, error) {
	p.calls++
	return p.result, nil
}

type memoryDocStore struct {
	blobs map[string][]byte
	fail  bool
}

func (m *memoryDocStore) Put(_ context.Context, name string, payload []byte, _ map[string]string) (*docstore.Document, error) {
	if m.fail {
		return nil, types.NewError(types.ErrDocumentStorage, "upload failed")
	}
	if m.blobs == nil {
		m.blobs = map[string][]byte{}
	}
	cid := "cid_" + name
	m.blobs[cid] = payload
	return &docstore.Document{ContentID: cid, URL: "https://gateway.test/ipfs/" + cid}, nil
}

func (m *memoryDocStore) Get(_ context.Context, contentID string) ([]byte, error) {
	blob, ok := m.blobs[contentID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "document not found")
	}
	return blob, nil
}

func testRequest(rail types.Rail, dueAt time.Time) *CreateInvoiceRequest {
	return &CreateInvoiceRequest{
		SampleRef: "sample_1",
		PayerRef:  "payer_1",
		PayeeRef:  "payee_1",
		Rail:      rail,
		DueAt:     dueAt,
		Terms: types.LicenseTerms{
			Usage:           types.UsageCommercial,
			Territory:       types.TerritoryWorldwide,
			DurationSeconds: 30,
		},
	}
}

func TestCreateInvoiceQuotesFee(t *testing.T) {
	c, err := NewWithDefaults()
	require.NoError(t, err)
	defer c.Close()

	inv, err := c.CreateInvoice(context.Background(), testRequest(types.RailFiat, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	// base 50 x commercial 2 x worldwide 2 x (30s/30) = 200
	assert.Equal(t, "200", inv.Amount.String())
	assert.Equal(t, types.StatusUnpaid, inv.Status)
	assert.NotEmpty(t, inv.Number)
}

func TestCreateInvoiceRejectsInvalidTerms(t *testing.T) {
	c, err := NewWithDefaults()
	require.NoError(t, err)
	defer c.Close()

	req := testRequest(types.RailFiat, time.Now().Add(time.Hour))
	req.Terms.DurationSeconds = 0

	_, err = c.CreateInvoice(context.Background(), req)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestSettleFiatEndToEnd(t *testing.T) {
	proc := &recordingProcessor{result: &rails.ChargeResult{ProcessorChargeID: "ch_1", Succeeded: true}}
	c, err := NewWithDefaults(WithCardProcessor(proc))
	require.NoError(t, err)
	defer c.Close()

	inv, err := c.CreateInvoice(context.Background(), testRequest(types.RailFiat, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	out, err := c.Settle(context.Background(), inv.ID, types.RailFiat, &types.RailConfig{PaymentMethodRef: "pm_1"})
	require.NoError(t, err)
	assert.False(t, out.Pending)
	assert.Equal(t, types.StatusPaid, out.Status)
	assert.Equal(t, 1, proc.calls)

	// settling again must not charge the card a second time
	_, err = c.Settle(context.Background(), inv.ID, types.RailFiat, &types.RailConfig{PaymentMethodRef: "pm_1"})
	assert.Equal(t, types.ErrAlreadySettled, types.CodeOf(err))
	assert.Equal(t, 1, proc.calls)
}

func TestGetInvoiceStatusDerivesOverdue(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c, err := NewWithDefaults(WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer c.Close()

	inv, err := c.CreateInvoice(context.Background(), testRequest(types.RailFiat, now.Add(-time.Hour)))
	require.NoError(t, err)

	view, err := c.GetInvoiceStatus(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOverdue, view.EffectiveStatus)
	// the stored record has not been flipped
	assert.Equal(t, types.StatusUnpaid, view.Invoice.Status)
}

func TestOverdueListingAndFlip(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c, err := NewWithDefaults(WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer c.Close()

	late, err := c.CreateInvoice(context.Background(), testRequest(types.RailFiat, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = c.CreateInvoice(context.Background(), testRequest(types.RailFiat, now.Add(time.Hour)))
	require.NoError(t, err)

	overdue, err := c.ListOverdueInvoices()
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)

	flipped, err := c.MarkOverdue()
	require.NoError(t, err)
	require.Len(t, flipped, 1)

	view, err := c.GetInvoiceStatus(late.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOverdue, view.Invoice.Status)
}

func TestInvoiceDocumentArchiving(t *testing.T) {
	store := &memoryDocStore{}
	c, err := NewWithDefaults(WithDocumentStore(store))
	require.NoError(t, err)
	defer c.Close()

	req := testRequest(types.RailFiat, time.Now().Add(time.Hour))
	req.Document = []byte("%PDF-1.7 invoice")
	req.DocumentName = "invoice.pdf"

	inv, err := c.CreateInvoice(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cid_invoice.pdf", inv.DocumentRef)
	assert.NotEmpty(t, inv.DocumentURL)

	blob, err := c.GetInvoiceDocument(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Document, blob)
}

func TestInvoiceDocumentArchivingIsBestEffort(t *testing.T) {
	c, err := NewWithDefaults(WithDocumentStore(&memoryDocStore{fail: true}))
	require.NoError(t, err)
	defer c.Close()

	req := testRequest(types.RailFiat, time.Now().Add(time.Hour))
	req.Document = []byte("payload")

	inv, err := c.CreateInvoice(context.Background(), req)
	require.NoError(t, err, "a storage outage must not block invoice creation")
	assert.Empty(t, inv.DocumentRef)
}

func TestSettlementReceiptArchived(t *testing.T) {
	proc := &recordingProcessor{result: &rails.ChargeResult{ProcessorChargeID: "ch_1", Succeeded: true}}
	store := &memoryDocStore{}
	c, err := NewWithDefaults(WithCardProcessor(proc), WithDocumentStore(store))
	require.NoError(t, err)
	defer c.Close()

	inv, err := c.CreateInvoice(context.Background(), testRequest(types.RailFiat, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = c.Settle(context.Background(), inv.ID, types.RailFiat, &types.RailConfig{PaymentMethodRef: "pm_1"})
	require.NoError(t, err)

	view, err := c.GetInvoiceStatus(inv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, view.Invoice.DocumentRef)

	blob, err := c.GetInvoiceDocument(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"status":"paid"`)
}

func TestQuoteFeeMatchesCreateInvoice(t *testing.T) {
	c, err := NewWithDefaults()
	require.NoError(t, err)
	defer c.Close()

	terms := types.LicenseTerms{
		Usage:           types.UsagePersonal,
		Territory:       types.TerritoryDomestic,
		DurationSeconds: 15,
	}

	// 25 before the floor, lifted to the 50 minimum
	got := c.QuoteFee(context.Background(), terms, 0)
	assert.Equal(t, "50", got.String())
}

func TestSupportedRails(t *testing.T) {
	proc := &recordingProcessor{result: &rails.ChargeResult{Succeeded: true}}
	c, err := NewWithDefaults(WithCardProcessor(proc))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []types.Rail{types.RailFiat}, c.SupportedRails())
}
