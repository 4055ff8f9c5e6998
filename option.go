package clearance

import (
	"time"

	"github.com/samplesafe/clearance/confirm"
	"github.com/samplesafe/clearance/docstore"
	"github.com/samplesafe/clearance/fees"
	"github.com/samplesafe/clearance/ledger"
	"github.com/samplesafe/clearance/logger"
	"github.com/samplesafe/clearance/metrics"
	"github.com/samplesafe/clearance/rails"
)

type Option func(*Clearance)

func WithLogger(l logger.Logger) Option {
	return func(c *Clearance) {
		c.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Clearance) {
		c.rec = r
	}
}

// WithLedger swaps the default in-memory store for a persistent one.
func WithLedger(l ledger.Ledger) Option {
	return func(c *Clearance) {
		c.ledger = l
	}
}

// WithFeeOracle enables advisory fee estimation in the given mode. The
// deterministic calculator remains the fallback for every quote.
func WithFeeOracle(o fees.Oracle, mode fees.Mode) Option {
	return func(c *Clearance) {
		c.oracle = o
		c.feeMode = mode
	}
}

// WithDocumentStore enables invoice document archiving.
func WithDocumentStore(s docstore.ObjectStore) Option {
	return func(c *Clearance) {
		c.docs = s
	}
}

// WithChainBackend registers the on-chain and x402 rails on the backend.
func WithChainBackend(b rails.ChainBackend) Option {
	return func(c *Clearance) {
		c.backend = b
	}
}

// WithCardProcessor registers the fiat rail on the processor.
func WithCardProcessor(p rails.CardProcessor) Option {
	return func(c *Clearance) {
		c.processor = p
	}
}

// WithChainDataProvider sets the receipt source for confirmation tracking.
func WithChainDataProvider(p confirm.ChainDataProvider) Option {
	return func(c *Clearance) {
		c.provider = p
	}
}

// WithClock overrides the facade's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Clearance) {
		c.now = now
	}
}
