package rails

import (
	"context"
	"fmt"
	"time"

	"github.com/samplesafe/clearance/logger"
	"github.com/samplesafe/clearance/types"
	"github.com/samplesafe/clearance/utils"
)

var _ PaymentRail = (*OnchainRail)(nil)

// OnchainRail settles an invoice with a direct stablecoin transfer. Submit
// only broadcasts; the confirmation tracker decides final success later.
type OnchainRail struct {
	backend ChainBackend
	timeout time.Duration
	log     logger.Logger
}

func NewOnchainRail(backend ChainBackend, timeout time.Duration, log logger.Logger) *OnchainRail {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &OnchainRail{backend: backend, timeout: timeout, log: log}
}

func (r *OnchainRail) Kind() types.Rail { return types.RailOnchain }

// Validate checks amount, addresses, and that the payer holds enough of the
// token. The balance query is the only network call and is bounded by the
// configured timeout.
func (r *OnchainRail) Validate(ctx context.Context, cfg *types.RailConfig) error {
	if err := validateAmount(cfg); err != nil {
		return err
	}
	if err := utils.ValidateAddress(cfg.Recipient); err != nil {
		return types.NewError(types.ErrValidation, fmt.Sprintf("invalid recipient: %v", err))
	}
	if err := utils.ValidateAddress(cfg.TokenContract); err != nil {
		return types.NewError(types.ErrValidation, fmt.Sprintf("invalid token contract: %v", err))
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
			fmt.Sprintf("insufficient balance: required %s, available %s",
				cfg.Amount, utils.FormatAmountFromBigInt(available, USDCDecimals)))
	}
	return nil
}

// Submit broadcasts the transfer and returns its transaction hash. The
// result is not final; confirmation arrives via polling.
func (r *OnchainRail) Submit(ctx context.Context, cfg *types.RailConfig) (*types.SubmissionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	txHash, err := r.backend.TransferToken(callCtx, &TransferRequest{
		Recipient:     cfg.Recipient,
		TokenContract: cfg.TokenContract,
		ChainID:       cfg.ChainID,
		Amount:        utils.ParseAmountWithDecimals(cfg.Amount, USDCDecimals),
		InvoiceRef:    cfg.InvoiceRef,
	})
	if err != nil {
		if terr := timeoutErr(err, "transfer submit"); types.IsCode(terr, types.ErrTimeout) {
			return nil, terr
		}
		return nil, types.NewError(types.ErrSubmissionFailed, fmt.Sprintf("transfer rejected: %v", err))
	}

	r.log.Info("onchain transfer submitted", map[string]any{
		"invoiceRef": cfg.InvoiceRef,
		"txHash":     txHash,
		"amount":     cfg.Amount.String(),
	})

	return &types.SubmissionResult{ExternalRef: txHash, Final: false}, nil
}
