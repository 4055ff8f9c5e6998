// Package rails implements the payment-rail capability: one contract
// (validate, then submit exactly once) with three independent
// implementations selected by rail kind. Rails are stateless with respect to
// invoice data; everything they need arrives in the RailConfig.
package rails

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samplesafe/clearance/types"
)

// PaymentRail is the common contract all rails satisfy.
//
// Validate must be side-effect free and must be called before Submit.
// Submit initiates exactly one external transfer/charge; callers must not
// retry it without first checking attempt state.
type PaymentRail interface {
	Kind() types.Rail
	Validate(ctx context.Context, cfg *types.RailConfig) error
	Submit(ctx context.Context, cfg *types.RailConfig) (*types.SubmissionResult, error)
}

// Registry holds the configured rails keyed by kind.
type Registry struct {
	rails   map[types.Rail]PaymentRail
	timeout time.Duration
}

// NewRegistry creates an empty rail registry. timeout bounds every rail
// network call dispatched through it.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		rails:   make(map[types.Rail]PaymentRail),
		timeout: timeout,
	}
}

// Add registers a rail, replacing any previous rail of the same kind.
func (r *Registry) Add(rail PaymentRail) {
	r.rails[rail.Kind()] = rail
}

// Get fails with UNSUPPORTED_RAIL for unknown or unconfigured kinds.
func (r *Registry) Get(kind types.Rail) (PaymentRail, error) {
	rail, ok := r.rails[kind]
	if !ok {
		return nil, types.NewError(types.ErrUnsupportedRail, fmt.Sprintf("no rail configured for kind %s", kind))
	}
	return rail, nil
}

// Timeout is the per-call bound for rail network operations.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Supported returns the configured rail kinds.
func (r *Registry) Supported() []types.Rail {
	kinds := make([]types.Rail, 0, len(r.rails))
	for kind := range r.rails {
		kinds = append(kinds, kind)
	}
	return kinds
}

// timeoutErr translates a deadline expiry into the retryable TIMEOUT code;
// other errors pass through untouched.
func timeoutErr(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, fmt.Sprintf("%s timed out", op))
	}
	return err
}

func validateAmount(cfg *types.RailConfig) error {
	if !cfg.Amount.IsPositive() {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("amount must be positive, got %s", cfg.Amount))
	}
	return nil
}
