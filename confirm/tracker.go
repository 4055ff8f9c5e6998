// Package confirm tracks submitted on-chain transfers until they are
// confirmed or reverted. Poll is a single non-blocking query; the cadence of
// repeated polling belongs to the caller.
package confirm

import (
	"context"
	"errors"
	"fmt"

	"github.com/samplesafe/clearance/types"
)

// ErrReceiptNotFound is returned by providers when the transaction is not
// yet visible. It means propagation delay, never failure.
var ErrReceiptNotFound = errors.New("transaction not found")

// Receipt is the minimal inclusion evidence a provider reports.
type Receipt struct {
	BlockHeight uint64
	Reverted    bool
}

// ChainDataProvider is the chain-data boundary the tracker polls.
type ChainDataProvider interface {
	// TransactionReceipt returns ErrReceiptNotFound while the transaction
	// has not propagated; any other error is a provider outage.
	TransactionReceipt(ctx context.Context, txRef string) (*Receipt, error)

	CurrentHeight(ctx context.Context) (uint64, error)
}

// Tracker reports the tri-state confirmation status of a transaction.
type Tracker struct {
	provider  ChainDataProvider
	threshold uint64
}

// NewTracker builds a tracker requiring the given inclusion depth. A zero
// threshold is treated as the default of 1.
func NewTracker(provider ChainDataProvider, threshold uint64) *Tracker {
	if threshold == 0 {
		threshold = 1
	}
	return &Tracker{provider: provider, threshold: threshold}
}

// Poll queries the provider once.
//
// A missing receipt is pending: propagation delay is expected. A provider
// outage is surfaced as a PROVIDER_ERROR so the caller retries the poll
// later; it is never conflated with a failed transaction.
func (t *Tracker) Poll(ctx context.Context, txRef string) (*types.PollResult, error) {
	receipt, err := t.provider.TransactionReceipt(ctx, txRef)
	if errors.Is(err, ErrReceiptNotFound) {
		return &types.PollResult{Status: types.TrackPending}, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrProviderUnavailable,
			fmt.Sprintf("receipt query for %s failed: %v", txRef, err))
	}

	if receipt.Reverted {
		return &types.PollResult{Status: types.TrackFailed}, nil
	}

	height, err := t.provider.CurrentHeight(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrProviderUnavailable,
			fmt.Sprintf("height query failed: %v", err))
	}

	var confirmations uint64
	if height >= receipt.BlockHeight {
		confirmations = height - receipt.BlockHeight
	}

	status := types.TrackPending
	if confirmations >= t.threshold {
		status = types.TrackConfirmed
	}
	return &types.PollResult{Status: status, Confirmations: confirmations}, nil
}
