// Package utils holds amount, address and transaction-hash validation shared
// by the payment rails and the confirmation tracker.
package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var hexRe = regexp.MustCompile("^[0-9a-fA-F]+$")

// ValidateAmount checks that an amount string parses to a non-negative
// decimal.
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ValidateAddress checks an EVM account or contract address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("address must start with 0x")
	}
	if len(address) != 42 {
		return fmt.Errorf("address must be 42 characters long")
	}
	if !hexRe.MatchString(address[2:]) {
		return fmt.Errorf("address must be valid hex")
	}
	return nil
}

// ValidateTransactionHash checks an EVM transaction hash (0x + 64 hex).
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 66 characters long")
	}
	if !hexRe.MatchString(hash[2:]) {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

// ParseAmountWithDecimals converts a decimal USD amount to token base units
// (e.g. 6 decimals for USDC).
func ParseAmountWithDecimals(amount decimal.Decimal, decimals int) *big.Int {
	multiplier := decimal.NewFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil), 0)
	return amount.Mul(multiplier).BigInt()
}

// FormatAmountFromBigInt renders token base units back as a decimal string.
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
