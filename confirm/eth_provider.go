package confirm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var _ ChainDataProvider = (*EthProvider)(nil)

// EthProvider reads receipts and chain height from an EVM JSON-RPC endpoint.
type EthProvider struct {
	eth *ethclient.Client
}

func NewEthProvider(rpcURL string) (*EthProvider, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}
	return &EthProvider{eth: eth}, nil
}

func (p *EthProvider) TransactionReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	receipt, err := p.eth.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}

	return &Receipt{
		BlockHeight: receipt.BlockNumber.Uint64(),
		Reverted:    receipt.Status == ethtypes.ReceiptStatusFailed,
	}, nil
}

func (p *EthProvider) CurrentHeight(ctx context.Context) (uint64, error) {
	return p.eth.BlockNumber(ctx)
}

func (p *EthProvider) Close() { p.eth.Close() }
