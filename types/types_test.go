package types

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0", want: "0"},
		{in: "1000000", want: "1000000"},
		{in: "92233720368547758079", want: "92233720368547758079"},
		{in: "", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "1e6", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "0x10", wantErr: true},
	}

	for _, tc := range cases {
		n, err := ParseAmount(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, n.String())
	}
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	assert.NoError(t, ValidateAddress(NativeMint))

	assert.Error(t, ValidateAddress(""))
	assert.Error(t, ValidateAddress("0xdeadbeef"))
	assert.Error(t, ValidateAddress("abc"), "too short to be a 32-byte key")
}

func TestBalanceSnapshotCovers(t *testing.T) {
	snap := &BalanceSnapshot{Amount: big.NewInt(1000)}

	assert.True(t, snap.Covers(big.NewInt(999)))
	assert.True(t, snap.Covers(big.NewInt(1000)))
	assert.False(t, snap.Covers(big.NewInt(1001)))
}

func TestConversionQuoteUsable(t *testing.T) {
	assert.True(t, (&ConversionQuote{OutputAfterFee: big.NewInt(1)}).Usable())
	assert.True(t, (&ConversionQuote{OutputAmount: big.NewInt(1)}).Usable())

	// Net output takes precedence over gross output.
	assert.False(t, (&ConversionQuote{OutputAmount: big.NewInt(100), OutputAfterFee: big.NewInt(0)}).Usable())

	assert.False(t, (&ConversionQuote{}).Usable())
	assert.False(t, (&ConversionQuote{OutputAmount: big.NewInt(0)}).Usable())
}

func TestTxStatusTerminal(t *testing.T) {
	assert.False(t, TxPending.Terminal())
	assert.True(t, TxConfirmed.Terminal())
	assert.True(t, TxFailed.Terminal())
	assert.True(t, TxTimeout.Terminal())
}

func TestRequirementRecipient(t *testing.T) {
	r := &PaymentRequirement{PayTo: "addr"}
	got, err := r.Recipient()
	require.NoError(t, err)
	assert.Equal(t, "addr", got)

	_, err = (&PaymentRequirement{}).Recipient()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeMissingRecipient))
}

func TestIsCode(t *testing.T) {
	err := NewError(ErrCodeNoRoute, "no route", nil)
	assert.True(t, IsCode(err, ErrCodeNoRoute))
	assert.False(t, IsCode(err, ErrCodeTransport))

	wrapped := NewError(ErrCodeConversionFailed, "conversion", err)
	assert.True(t, IsCode(wrapped, ErrCodeConversionFailed))

	assert.False(t, IsCode(errors.New("plain"), ErrCodeNoRoute))
	assert.False(t, IsCode(nil, ErrCodeNoRoute))
}

func TestCancelledOr(t *testing.T) {
	fallback := Errorf(ErrCodeTransactionTimeout, "timed out")

	got := CancelledOr(nil, fallback)
	assert.Equal(t, fallback, got)

	got = CancelledOr(errors.New("context canceled"), fallback)
	assert.Equal(t, ErrCodeCancelled, got.Code)
}
