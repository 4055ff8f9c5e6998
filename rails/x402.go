package rails

import (
	"context"
	"fmt"
	"time"

	"github.com/samplesafe/clearance/logger"
	"github.com/samplesafe/clearance/types"
	"github.com/samplesafe/clearance/utils"
)

var _ PaymentRail = (*X402Rail)(nil)

// x402Scheme is the only payment scheme the rail speaks.
const x402Scheme = "exact"

// x402Version is the protocol version stamped on every payment envelope.
const x402Version = 1

// PaymentEnvelope is the x402 payment description attached to the transfer:
// the invoice reference plays the role of the paid-for resource.
type PaymentEnvelope struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Resource    string `json:"resource"`
	PayTo       string `json:"payTo"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// X402Rail settles an invoice through the x402 pay-per-request protocol over
// stablecoin. It validates client-side before touching the network so
// callers see a descriptive insufficient-funds error instead of an opaque
// downstream failure.
type X402Rail struct {
	backend ChainBackend
	timeout time.Duration
	log     logger.Logger
}

func NewX402Rail(backend ChainBackend, timeout time.Duration, log logger.Logger) *X402Rail {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &X402Rail{backend: backend, timeout: timeout, log: log}
}

func (r *X402Rail) Kind() types.Rail { return types.RailX402 }

// Validate performs the client-side checks: amount, recipient and token
// shape, then the payer's stablecoin balance against the required amount.
func (r *X402Rail) Validate(ctx context.Context, cfg *types.RailConfig) error {
	if err := validateAmount(cfg); err != nil {
		return err
	}
	if err := utils.ValidateAddress(cfg.Recipient); err != nil {
		return types.NewError(types.ErrValidation, fmt.Sprintf("invalid recipient: %v", err))
	}
	if err := utils.ValidateAddress(cfg.TokenContract); err != nil {
		return types.NewError(types.ErrValidation, fmt.Sprintf("invalid token contract: %v", err))
	}
	if cfg.InvoiceRef == "" {
		return types.NewError(types.ErrValidation, "invoiceRef is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	required := utils.ParseAmountWithDecimals(cfg.Amount, USDCDecimals)
	available, err := r.backend.TokenBalance(callCtx, cfg.TokenContract, r.backend.PayerAddress())
	if err != nil {
		return timeoutErr(err, "balance check")
	}
	if available.Cmp(required) < 0 {
		return types.NewError(types.ErrInsufficientFunds,
			fmt.Sprintf("insufficient USDC balance: required %s, available %s",
				cfg.Amount, utils.FormatAmountFromBigInt(available, USDCDecimals)))
	}
	return nil
}

// Submit constructs the x402 transfer request (recipient, token contract,
// chain id and the invoice reference) and returns the transaction hash for
// tracking.
func (r *X402Rail) Submit(ctx context.Context, cfg *types.RailConfig) (*types.SubmissionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	envelope := &PaymentEnvelope{
		X402Version: x402Version,
		Scheme:      x402Scheme,
		Network:     cfg.ChainID,
		Resource:    cfg.InvoiceRef,
		PayTo:       cfg.Recipient,
		Asset:       cfg.TokenContract,
		Amount:      cfg.Amount.String(),
	}

	txHash, err := r.backend.TransferToken(callCtx, &TransferRequest{
		Recipient:     envelope.PayTo,
		TokenContract: envelope.Asset,
		ChainID:       envelope.Network,
		Amount:        utils.ParseAmountWithDecimals(cfg.Amount, USDCDecimals),
		InvoiceRef:    envelope.Resource,
		Memo:          fmt.Sprintf("x402:%s:%s", envelope.Scheme, envelope.Resource),
	})
	if err != nil {
		if terr := timeoutErr(err, "x402 submit"); types.IsCode(terr, types.ErrTimeout) {
			return nil, terr
		}
		return nil, types.NewError(types.ErrSubmissionFailed, fmt.Sprintf("x402 transfer rejected: %v", err))
	}

	r.log.Info("x402 payment submitted", map[string]any{
		"invoiceRef": cfg.InvoiceRef,
		"txHash":     txHash,
		"scheme":     envelope.Scheme,
		"amount":     envelope.Amount,
	})

	return &types.SubmissionResult{ExternalRef: txHash, Final: false}, nil
}
