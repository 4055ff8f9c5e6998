package rails

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samplesafe/clearance/logger"
	"github.com/samplesafe/clearance/types"
)

// ChargeResult is the processor's immediate decision on a card capture.
type ChargeResult struct {
	ProcessorChargeID string
	Succeeded         bool
	DeclineReason     string
}

// CardProcessor is the card-network boundary. Charge is synchronous: its
// return already reflects final success or failure.
type CardProcessor interface {
	Charge(ctx context.Context, amount decimal.Decimal, paymentMethodRef string, metadata map[string]string) (*ChargeResult, error)
}

var _ PaymentRail = (*FiatRail)(nil)

// FiatRail settles an invoice by card capture. Unlike the on-chain rails its
// submit outcome is final on return.
type FiatRail struct {
	processor CardProcessor
	timeout   time.Duration
	log       logger.Logger
}

func NewFiatRail(processor CardProcessor, timeout time.Duration, log logger.Logger) *FiatRail {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &FiatRail{processor: processor, timeout: timeout, log: log}
}

func (r *FiatRail) Kind() types.Rail { return types.RailFiat }

// Validate is purely local: card processors expose no balance introspection.
func (r *FiatRail) Validate(_ context.Context, cfg *types.RailConfig) error {
	if err := validateAmount(cfg); err != nil {
		return err
	}
	if cfg.PaymentMethodRef == "" {
		return types.NewError(types.ErrValidation, "paymentMethodRef is required for card payments")
	}
	return nil
}

// Submit captures the charge. A processor decline closes the attempt; there
// is no pending state on this rail.
func (r *FiatRail) Submit(ctx context.Context, cfg *types.RailConfig) (*types.SubmissionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadata := map[string]string{"invoiceRef": cfg.InvoiceRef}
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}

	result, err := r.processor.Charge(callCtx, cfg.Amount, cfg.PaymentMethodRef, metadata)
	if err != nil {
		if terr := timeoutErr(err, "card charge"); types.IsCode(terr, types.ErrTimeout) {
			return nil, terr
		}
		return nil, types.NewError(types.ErrSubmissionFailed, fmt.Sprintf("card charge failed: %v", err))
	}
	if !result.Succeeded {
		reason := result.DeclineReason
		if reason == "" {
			reason = "card declined"
		}
		return nil, types.NewError(types.ErrSubmissionFailed, reason)
	}

	r.log.Info("card charge captured", map[string]any{
		"invoiceRef": cfg.InvoiceRef,
		"chargeId":   result.ProcessorChargeID,
		"amount":     cfg.Amount.String(),
	})

	return &types.SubmissionResult{ExternalRef: result.ProcessorChargeID, Final: true}, nil
}
