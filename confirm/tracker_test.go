package confirm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samplesafe/clearance/types"
)

type stubProvider struct {
	receipt    *Receipt
	receiptErr error
	height     uint64
	heightErr  error
}

func (s *stubProvider) TransactionReceipt(_ context.Context, _ string) (*Receipt, error) {
	return s.receipt, s.receiptErr
}

func (s *stubProvider) CurrentHeight(_ context.Context) (uint64, error) {
	return s.height, s.heightErr
}

func TestPollConfirmed(t *testing.T) {
	tests := []struct {
		name      string
		blockAt   uint64
		height    uint64
		threshold uint64
		want      types.TrackStatus
		wantConfs uint64
	}{
		{"one block deep at default threshold", 1000, 1001, 1, types.TrackConfirmed, 1},
		{"included but zero deep", 1000, 1000, 1, types.TrackPending, 0},
		{"deep threshold not yet met", 1000, 1002, 3, types.TrackPending, 2},
		{"deep threshold met", 1000, 1003, 3, types.TrackConfirmed, 3},
		{"height behind receipt after reorg", 1000, 998, 1, types.TrackPending, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(&stubProvider{
				receipt: &Receipt{BlockHeight: tt.blockAt},
				height:  tt.height,
			}, tt.threshold)

			res, err := tracker.Poll(context.Background(), "0xabc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.wantConfs, res.Confirmations)
		})
	}
}

func TestPollNotFoundIsPending(t *testing.T) {
	tracker := NewTracker(&stubProvider{receiptErr: ErrReceiptNotFound}, 1)

	res, err := tracker.Poll(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, types.TrackPending, res.Status)
}

func TestPollRevertedIsFailed(t *testing.T) {
	tracker := NewTracker(&stubProvider{
		receipt: &Receipt{BlockHeight: 1000, Reverted: true},
		height:  2000,
	}, 1)

	res, err := tracker.Poll(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, types.TrackFailed, res.Status)
}

func TestPollProviderOutageIsNotFailure(t *testing.T) {
	tracker := NewTracker(&stubProvider{receiptErr: errors.New("rpc: connection refused")}, 1)

	res, err := tracker.Poll(context.Background(), "0xabc")
	assert.Nil(t, res)
	assert.Equal(t, types.ErrProviderUnavailable, types.CodeOf(err))
}

func TestPollHeightOutage(t *testing.T) {
	tracker := NewTracker(&stubProvider{
		receipt:   &Receipt{BlockHeight: 1000},
		heightErr: errors.New("rpc: timeout"),
	}, 1)

	_, err := tracker.Poll(context.Background(), "0xabc")
	assert.Equal(t, types.ErrProviderUnavailable, types.CodeOf(err))
}

func TestZeroThresholdDefaultsToOne(t *testing.T) {
	tracker := NewTracker(&stubProvider{
		receipt: &Receipt{BlockHeight: 1000},
		height:  1001,
	}, 0)

	res, err := tracker.Poll(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, types.TrackConfirmed, res.Status)
}
