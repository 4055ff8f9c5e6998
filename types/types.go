// Package types defines the shared domain model for the sample-clearance
// settlement core: invoices, settlement attempts, license terms, payment
// rail configuration and the error taxonomy.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents the lifecycle state of an invoice.
type InvoiceStatus string

const (
	StatusUnpaid  InvoiceStatus = "unpaid"
	StatusPaid    InvoiceStatus = "paid"
	StatusOverdue InvoiceStatus = "overdue"
)

// Rail identifies a payment rail.
type Rail string

const (
	RailOnchain Rail = "onchain"
	RailFiat    Rail = "fiat"
	RailX402    Rail = "x402"
)

func (r Rail) String() string { return string(r) }

// IsValid reports whether the rail kind is one of the known variants.
func (r Rail) IsValid() bool {
	return r == RailOnchain || r == RailFiat || r == RailX402
}

// Synchronous reports whether a rail's submit outcome is final on return.
// Card networks decide immediately; on-chain transfers confirm later.
func (r Rail) Synchronous() bool { return r == RailFiat }

// UsageCategory is the licensed usage of a sample.
type UsageCategory string

const (
	UsagePersonal   UsageCategory = "personal"
	UsageCommercial UsageCategory = "commercial"
	UsageStreaming  UsageCategory = "streaming"
	UsageSync       UsageCategory = "sync"
	UsageBroadcast  UsageCategory = "broadcast"
	UsageLive       UsageCategory = "live"
)

// Territory is the licensed territory of a sample.
type Territory string

const (
	TerritoryDomestic    Territory = "domestic"
	TerritoryRegional    Territory = "regional"
	TerritoryContinental Territory = "continental"
	TerritoryWorldwide   Territory = "worldwide"
	TerritoryOther       Territory = "other"
)

// LicenseTerms are the commercial terms a clearance round was agreed on.
// Terms are immutable once an invoice references them.
type LicenseTerms struct {
	Usage           UsageCategory `json:"usage" validate:"required"`
	Territory       Territory     `json:"territory" validate:"required"`
	DurationSeconds float64       `json:"durationSeconds" validate:"gt=0"`
	RoyaltyRate     float64       `json:"royaltyRate" validate:"gte=0,lte=100"`
}

// Invoice is the billable record produced when clearance terms are accepted.
// Amount is fixed at creation; status transitions are monotonic and owned by
// the ledger.
type Invoice struct {
	ID          string          `json:"invoiceId"`
	Number      string          `json:"invoiceNumber"`
	SampleRef   string          `json:"sampleRef"`
	PayerRef    string          `json:"payerRef"`
	PayeeRef    string          `json:"payeeRef"`
	Amount      decimal.Decimal `json:"amount"`
	Status      InvoiceStatus   `json:"status"`
	Rail        Rail            `json:"rail"`
	Terms       LicenseTerms    `json:"terms"`
	CreatedAt   time.Time       `json:"createdAt"`
	DueAt       time.Time       `json:"dueAt"`
	SettledAt   *time.Time      `json:"settledAt,omitempty"`
	Proof       string          `json:"proof,omitempty"`
	DocumentRef string          `json:"documentRef,omitempty"`
	DocumentURL string          `json:"documentUrl,omitempty"`
}

// AttemptOutcome is the tri-state outcome of a settlement attempt.
type AttemptOutcome string

const (
	AttemptPending   AttemptOutcome = "pending"
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
)

// SettlementAttempt records one dispatch of an invoice to a payment rail.
// At most one attempt per invoice may be pending or succeeded at a time.
type SettlementAttempt struct {
	ID            string         `json:"attemptId"`
	InvoiceID     string         `json:"invoiceId"`
	Rail          Rail           `json:"rail"`
	SubmittedAt   time.Time      `json:"submittedAt"`
	ExternalRef   string         `json:"externalRef,omitempty"`
	Outcome       AttemptOutcome `json:"outcome"`
	FailureReason string         `json:"failureReason,omitempty"`
	Deadline      time.Time      `json:"deadline,omitempty"`
}

// Open reports whether the attempt blocks new attempts for its invoice.
func (a *SettlementAttempt) Open() bool {
	return a.Outcome == AttemptPending || a.Outcome == AttemptSucceeded
}

// RailConfig carries everything a rail needs to move funds for one invoice.
// Amounts are decimal USD; on-chain rails convert to token base units.
type RailConfig struct {
	Amount decimal.Decimal `json:"amount"`

	// On-chain fields.
	Recipient     string `json:"recipient,omitempty" validate:"omitempty,len=42,startswith=0x"`
	TokenContract string `json:"tokenContract,omitempty" validate:"omitempty,len=42,startswith=0x"`
	ChainID       string `json:"chainId,omitempty"`

	// Fiat fields.
	PaymentMethodRef string `json:"paymentMethodRef,omitempty"`

	// Application-level reference carried on the transfer/charge.
	InvoiceRef string            `json:"invoiceRef" validate:"required"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SubmissionResult is what a rail returns from a successful submit.
// For asynchronous rails ExternalRef is a transaction hash still awaiting
// confirmation; for fiat it is the processor charge id and Final is true.
type SubmissionResult struct {
	ExternalRef string `json:"externalRef"`
	Final       bool   `json:"final"`
}

// SettlementOutcome is the caller-visible result of a settle call.
type SettlementOutcome struct {
	InvoiceID   string          `json:"invoiceId"`
	AttemptID   string          `json:"attemptId"`
	Rail        Rail            `json:"rail"`
	Status      InvoiceStatus   `json:"status"`
	Pending     bool            `json:"pending"`
	ExternalRef string          `json:"externalRef,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// TrackStatus is the tri-state confirmation status of an on-chain transfer.
type TrackStatus string

const (
	TrackPending   TrackStatus = "pending"
	TrackConfirmed TrackStatus = "confirmed"
	TrackFailed    TrackStatus = "failed"
)

// PollResult is a single non-blocking confirmation query result.
type PollResult struct {
	Status        TrackStatus `json:"status"`
	Confirmations uint64      `json:"confirmations"`
}

// Config contains global configuration for the settlement core.
type Config struct {
	// DefaultTimeout bounds every rail validate/submit network call.
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`

	// PollInterval is the cadence of confirmation polling per attempt.
	PollInterval time.Duration `json:"pollInterval,omitempty"`

	// ConfirmDeadline is the overall budget before an attempt is closed
	// with a confirmation timeout.
	ConfirmDeadline time.Duration `json:"confirmDeadline,omitempty"`

	// ConfirmThreshold is the inclusion depth required for confirmed.
	ConfirmThreshold uint64 `json:"confirmThreshold,omitempty"`

	// Workers is the size of the confirmation watcher pool.
	Workers int `json:"workers,omitempty"`

	BaseFee decimal.Decimal `json:"baseFee,omitempty"`
	MinFee  decimal.Decimal `json:"minFee,omitempty"`

	LogLevel      string `json:"logLevel,omitempty"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:   30 * time.Second,
		PollInterval:     3 * time.Second,
		ConfirmDeadline:  5 * time.Minute,
		ConfirmThreshold: 1,
		Workers:          4,
		BaseFee:          decimal.NewFromInt(50),
		MinFee:           decimal.NewFromInt(50),
		LogLevel:         "info",
	}
}

// NewInvoiceID mints an opaque invoice identifier.
func NewInvoiceID() string { return "inv_" + uuid.NewString() }

// NewAttemptID mints an attempt identifier.
func NewAttemptID() string { return "att_" + uuid.NewString() }

// NewInvoiceNumber mints the human-facing invoice number.
func NewInvoiceNumber(at time.Time) string {
	return strings.ToUpper(fmt.Sprintf("SS-%x-%s", at.UnixMilli(), uuid.NewString()[:6]))
}
