package rails

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// USDCDecimals is the base-unit precision of the settlement stablecoin.
const USDCDecimals = 6

const erc20ABI = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "owner", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "transfer",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  }
]`

// TransferRequest is what the on-chain rails hand the backend: recipient,
// token contract, chain identifier and the application-level invoice
// reference the transfer settles.
type TransferRequest struct {
	Recipient     string
	TokenContract string
	ChainID       string
	Amount        *big.Int
	InvoiceRef    string
	Memo          string
}

// ChainBackend abstracts "submit transfer" and balance introspection so the
// rails do not care which chain client satisfies it.
type ChainBackend interface {
	// TokenBalance returns the owner's balance in token base units.
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)

	// TransferToken broadcasts a token transfer and returns its tx hash.
	TransferToken(ctx context.Context, req *TransferRequest) (string, error)

	// PayerAddress is the account funds are drawn from.
	PayerAddress() string

	Close()
}

var _ ChainBackend = (*EVMBackend)(nil)

// EVMBackend moves an ERC-20 stablecoin over an EVM chain. It signs with a
// configured key and broadcasts through a JSON-RPC endpoint.
type EVMBackend struct {
	eth      *ethclient.Client
	chainID  *big.Int
	signer   *ecdsa.PrivateKey
	payer    common.Address
	tokenABI abi.ABI
}

// NewEVMBackend dials the RPC endpoint and prepares the signing key.
func NewEVMBackend(rpcURL string, chainID *big.Int, signerPrivHex string) (*EVMBackend, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}

	signer, err := crypto.HexToECDSA(strings.TrimPrefix(signerPrivHex, "0x"))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	return &EVMBackend{
		eth:      eth,
		chainID:  chainID,
		signer:   signer,
		payer:    crypto.PubkeyToAddress(signer.PublicKey),
		tokenABI: parsed,
	}, nil
}

func (b *EVMBackend) PayerAddress() string { return b.payer.Hex() }

func (b *EVMBackend) Close() { b.eth.Close() }

func (b *EVMBackend) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	callData, err := b.tokenABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	contract := common.HexToAddress(token)
	out, err := b.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call: %w", err)
	}

	results, err := b.tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

func (b *EVMBackend) TransferToken(ctx context.Context, req *TransferRequest) (string, error) {
	contract := common.HexToAddress(req.TokenContract)

	callData, err := b.tokenABI.Pack("transfer", common.HexToAddress(req.Recipient), req.Amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}

	gasLimit, err := b.eth.EstimateGas(ctx, ethereum.CallMsg{From: b.payer, To: &contract, Data: callData})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	gasPrice, err := b.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	nonce, err := b.eth.PendingNonceAt(ctx, b.payer)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, callData)

	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(b.chainID), b.signer)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}

	if err := b.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	return signed.Hash().Hex(), nil
}
