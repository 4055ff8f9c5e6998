package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRailConfig(t *testing.T) {
	data := []byte(`{
		"amount": "200",
		"recipient": "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
		"tokenContract": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		"chainId": "84532",
		"invoiceRef": "inv_1"
	}`)

	cfg, err := ParseRailConfig(data)
	require.NoError(t, err)
	assert.Equal(t, "200", cfg.Amount.String())
	assert.Equal(t, "inv_1", cfg.InvoiceRef)

	rt, err := SerializeRailConfig(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(rt), `"invoiceRef":"inv_1"`)
}

func TestParseRailConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"amount":`},
		{"missing invoice ref", `{"amount":"10"}`},
		{"short recipient", `{"amount":"10","invoiceRef":"inv_1","recipient":"0x123"}`},
		{"recipient without prefix", `{"amount":"10","invoiceRef":"inv_1","recipient":"384Aa214be0B279cbf211e9b2C992d8633F778aa48"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRailConfig([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
