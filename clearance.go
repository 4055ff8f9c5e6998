// Package clearance settles rights-clearance invoices over pluggable payment
// rails: direct stablecoin transfer, card capture, and x402 pay-per-request.
// It owns the invoice lifecycle, fee quoting, and confirmation tracking.
package clearance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samplesafe/clearance/confirm"
	"github.com/samplesafe/clearance/docstore"
	"github.com/samplesafe/clearance/fees"
	"github.com/samplesafe/clearance/ledger"
	"github.com/samplesafe/clearance/logger"
	"github.com/samplesafe/clearance/metrics"
	"github.com/samplesafe/clearance/rails"
	"github.com/samplesafe/clearance/settlement"
	"github.com/samplesafe/clearance/types"
	"github.com/samplesafe/clearance/utils"
)

// Clearance is the main entry point wiring the ledger, fee policy, payment
// rails and the confirmation watcher together.
type Clearance struct {
	config   *types.Config
	ledger   ledger.Ledger
	fees     *fees.Policy
	registry *rails.Registry
	orch     *settlement.Orchestrator
	watcher  *settlement.Watcher
	docs     docstore.ObjectStore
	log      logger.Logger
	rec      metrics.Recorder

	oracle    fees.Oracle
	feeMode   fees.Mode
	backend   rails.ChainBackend
	processor rails.CardProcessor
	provider  confirm.ChainDataProvider

	closers []func()
	now     func() time.Time
}

// New creates a Clearance instance. A nil config uses DefaultConfig. Rails
// are registered for whichever boundaries the options supply; AddChain and
// AddCardProcessor can attach more after construction.
func New(config *types.Config, opts ...Option) (*Clearance, error) {
	if config == nil {
		config = types.DefaultConfig()
	}

	c := &Clearance{
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = logger.NewZapLogger(config.LogLevel)
	}
	if c.rec == nil {
		if config.EnableMetrics {
			c.rec = metrics.NewPrometheusRecorder()
		} else {
			c.rec = metrics.NoopRecorder{}
		}
	}
	if c.ledger == nil {
		c.ledger = ledger.NewMemoryStore()
	}

	c.fees = fees.NewPolicy(fees.NewCalculator(config.BaseFee), c.oracle, c.feeMode, config.MinFee, c.log)
	c.registry = rails.NewRegistry(config.DefaultTimeout)

	if c.backend != nil {
		c.registry.Add(rails.NewOnchainRail(c.backend, config.DefaultTimeout, c.log))
		c.registry.Add(rails.NewX402Rail(c.backend, config.DefaultTimeout, c.log))
	}
	if c.processor != nil {
		c.registry.Add(rails.NewFiatRail(c.processor, config.DefaultTimeout, c.log))
	}
	if c.provider != nil {
		c.startWatcher()
	}

	c.wireOrchestrator()
	return c, nil
}

// NewWithDefaults creates a Clearance instance with the default
// configuration and an in-memory ledger.
func NewWithDefaults(opts ...Option) (*Clearance, error) {
	return New(types.DefaultConfig(), opts...)
}

func (c *Clearance) startWatcher() {
	tracker := confirm.NewTracker(c.provider, c.config.ConfirmThreshold)
	c.watcher = settlement.NewWatcher(c.ledger, tracker, c.config.PollInterval, c.config.Workers, c.log, c.rec)
}

func (c *Clearance) wireOrchestrator() {
	c.orch = settlement.NewOrchestrator(c.ledger, c.registry, c.watcher, c.config.ConfirmDeadline, c.log, c.rec)
}

// AddChain dials an EVM endpoint and registers the on-chain and x402 rails
// plus the confirmation provider backing them.
func (c *Clearance) AddChain(rpcURL string, chainID *big.Int, signerKeyHex string) error {
	backend, err := rails.NewEVMBackend(rpcURL, chainID, signerKeyHex)
	if err != nil {
		return fmt.Errorf("failed to create EVM backend: %w", err)
	}
	c.backend = backend
	c.closers = append(c.closers, backend.Close)

	c.registry.Add(rails.NewOnchainRail(backend, c.config.DefaultTimeout, c.log))
	c.registry.Add(rails.NewX402Rail(backend, c.config.DefaultTimeout, c.log))

	if c.provider == nil {
		provider, err := confirm.NewEthProvider(rpcURL)
		if err != nil {
			return fmt.Errorf("failed to create chain data provider: %w", err)
		}
		c.provider = provider
		c.closers = append(c.closers, provider.Close)
		c.startWatcher()
		c.wireOrchestrator()
	}
	return nil
}

// AddCardProcessor registers the fiat rail on top of the given processor.
func (c *Clearance) AddCardProcessor(processor rails.CardProcessor) {
	c.processor = processor
	c.registry.Add(rails.NewFiatRail(processor, c.config.DefaultTimeout, c.log))
}

// CreateInvoiceRequest carries everything needed to open an invoice. When
// Document is set and a document store is configured, the payload is archived
// and its reference recorded on the invoice.
type CreateInvoiceRequest struct {
	SampleRef string
	PayerRef  string
	PayeeRef  string
	Rail      types.Rail
	DueAt     time.Time
	Terms     types.LicenseTerms

	// PopularityScore (0-10) is advisory input for the fee oracle.
	PopularityScore float64

	Document     []byte
	DocumentName string
}

// CreateInvoice quotes the clearance fee for the license terms and persists a
// new unpaid invoice. Document archiving is best effort and never fails the
// invoice.
func (c *Clearance) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*types.Invoice, error) {
	if err := utils.ValidateStruct(&req.Terms); err != nil {
		return nil, err
	}

	amount := c.fees.Quote(ctx, req.Terms, req.PopularityScore)

	inv, err := c.ledger.CreateInvoice(req.SampleRef, req.PayerRef, req.PayeeRef, amount, req.Rail, req.DueAt, req.Terms)
	if err != nil {
		return nil, err
	}

	c.rec.IncCounter("invoice_created", map[string]string{"rail": req.Rail.String()})
	c.log.Info("invoice created", map[string]any{
		"invoiceId": inv.ID,
		"number":    inv.Number,
		"amount":    inv.Amount.String(),
		"rail":      inv.Rail.String(),
	})

	if len(req.Document) > 0 && c.docs != nil {
		name := req.DocumentName
		if name == "" {
			name = inv.Number + ".pdf"
		}
		doc, err := c.docs.Put(ctx, name, req.Document, map[string]string{
			"invoiceId": inv.ID,
			"sampleRef": inv.SampleRef,
		})
		if err != nil {
			c.log.Warn("invoice document archiving failed", map[string]any{
				"invoiceId": inv.ID,
				"error":     err.Error(),
			})
		} else if err := c.ledger.AttachDocument(inv.ID, doc.ContentID, doc.URL); err == nil {
			inv.DocumentRef = doc.ContentID
			inv.DocumentURL = doc.URL
		}
	}

	return inv, nil
}

// QuoteFee prices license terms without creating an invoice.
func (c *Clearance) QuoteFee(ctx context.Context, terms types.LicenseTerms, popularityScore float64) decimal.Decimal {
	return c.fees.Quote(ctx, terms, popularityScore)
}

// Settle attempts payment of the invoice over the given rail; an empty rail
// uses the one recorded on the invoice. For the fiat rail the returned
// outcome is final; for on-chain rails it is pending until the watcher
// observes enough confirmations.
func (c *Clearance) Settle(ctx context.Context, invoiceID string, rail types.Rail, cfg *types.RailConfig) (*types.SettlementOutcome, error) {
	inv, err := c.ledger.GetInvoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if rail == "" {
		rail = inv.Rail
	}
	if cfg == nil {
		cfg = &types.RailConfig{}
	}

	out, err := c.orch.Settle(ctx, invoiceID, rail, cfg)
	if err != nil {
		return nil, err
	}
	if !out.Pending {
		c.archiveReceipt(ctx, out.InvoiceID)
	}
	return out, nil
}

// archiveReceipt pins the settled invoice record as a JSON document. Best
// effort: a storage outage never rolls back a settlement.
func (c *Clearance) archiveReceipt(ctx context.Context, invoiceID string) {
	if c.docs == nil {
		return
	}
	inv, err := c.ledger.GetInvoice(invoiceID)
	if err != nil {
		return
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return
	}
	doc, err := c.docs.Put(ctx, inv.Number+".json", payload, map[string]string{
		"invoiceId": inv.ID,
		"status":    string(inv.Status),
	})
	if err != nil {
		c.log.Warn("settlement receipt archiving failed", map[string]any{
			"invoiceId": inv.ID,
			"error":     err.Error(),
		})
		return
	}
	if err := c.ledger.AttachDocument(inv.ID, doc.ContentID, doc.URL); err != nil {
		c.log.Warn("failed to record receipt reference", map[string]any{
			"invoiceId": inv.ID,
			"error":     err.Error(),
		})
	}
}

// InvoiceStatusView is the externally visible state of an invoice: the stored
// record, the status with overdue derived from the clock, and the open
// attempt if one is in flight.
type InvoiceStatusView struct {
	Invoice         *types.Invoice           `json:"invoice"`
	EffectiveStatus types.InvoiceStatus      `json:"effectiveStatus"`
	OpenAttempt     *types.SettlementAttempt `json:"openAttempt,omitempty"`
}

// GetInvoiceStatus reports the invoice with its derived status. An unpaid
// invoice past its due time reads as overdue even before MarkOverdue runs.
func (c *Clearance) GetInvoiceStatus(invoiceID string) (*InvoiceStatusView, error) {
	inv, err := c.ledger.GetInvoice(invoiceID)
	if err != nil {
		return nil, err
	}

	effective := inv.Status
	if inv.Status == types.StatusUnpaid && inv.DueAt.Before(c.now()) {
		effective = types.StatusOverdue
	}

	view := &InvoiceStatusView{Invoice: inv, EffectiveStatus: effective}

	attempts, err := c.ledger.PendingAttempts()
	if err != nil {
		return nil, err
	}
	for _, a := range attempts {
		if a.InvoiceID == inv.ID {
			view.OpenAttempt = a
			break
		}
	}
	return view, nil
}

// ListOverdueInvoices returns unpaid invoices past their due time. The query
// is side-effect free; stored statuses do not change.
func (c *Clearance) ListOverdueInvoices() ([]*types.Invoice, error) {
	return c.ledger.ListOverdue(c.now())
}

// MarkOverdue flips elapsed unpaid invoices to overdue and returns them.
// Overdue invoices remain payable.
func (c *Clearance) MarkOverdue() ([]*types.Invoice, error) {
	flipped, err := c.ledger.MarkOverdue(c.now())
	if err != nil {
		return nil, err
	}
	if len(flipped) > 0 {
		c.rec.IncCounter("invoices_overdue", nil)
		c.log.Info("invoices marked overdue", map[string]any{"count": len(flipped)})
	}
	return flipped, nil
}

// GetInvoiceDocument fetches the archived document for an invoice.
func (c *Clearance) GetInvoiceDocument(ctx context.Context, invoiceID string) ([]byte, error) {
	if c.docs == nil {
		return nil, types.NewError(types.ErrDocumentStorage, "no document store configured")
	}
	inv, err := c.ledger.GetInvoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.DocumentRef == "" {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("invoice %s has no archived document", invoiceID))
	}
	return c.docs.Get(ctx, inv.DocumentRef)
}

// Resume re-enqueues pending confirmations from the ledger. Call once on
// startup so transfers submitted before a restart keep being tracked.
func (c *Clearance) Resume() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Resume()
}

// Reconcile recovers confirmations that landed after their deadline: timed
// out attempts whose transfer eventually confirmed flip their invoice to
// paid. Returns the number of recovered invoices.
func (c *Clearance) Reconcile(ctx context.Context) (int, error) {
	if c.watcher == nil {
		return 0, nil
	}
	return c.watcher.Reconcile(ctx)
}

// SupportedRails lists the rails with a registered implementation.
func (c *Clearance) SupportedRails() []types.Rail {
	return c.registry.Supported()
}

// Close stops the watcher and releases all backends and stores.
func (c *Clearance) Close() error {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	for _, closeFn := range c.closers {
		closeFn()
	}
	return c.ledger.Close()
}

// Version information
const Version = "1.0.0"
