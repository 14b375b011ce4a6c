package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltydex/x402-autopay/types"
)

const (
	testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	usdcMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func TestQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quote", r.URL.Path)
		assert.Equal(t, types.NativeMint, r.URL.Query().Get("input_mint"))
		assert.Equal(t, usdcMint, r.URL.Query().Get("output_mint"))
		assert.Equal(t, "1000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "50", r.URL.Query().Get("slippage_bps"))

		fmt.Fprint(w, `{
			"input_amount": "5000000",
			"output_amount": "1003000",
			"output_after_fee": "1000000",
			"fee_amount": "3000",
			"fee_bps": 30,
			"price_impact": "0.0012"
		}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	quote, err := c.Quote(context.Background(), "", usdcMint, "1000000", 50)
	require.NoError(t, err)

	assert.Equal(t, "5000000", quote.InputAmount.String())
	assert.Equal(t, "1003000", quote.OutputAmount.String())
	assert.Equal(t, "1000000", quote.OutputAfterFee.String())
	assert.Equal(t, "3000", quote.FeeAmount.String())
	assert.Equal(t, 30, quote.FeeBps)
	assert.Equal(t, "0.0012", quote.PriceImpact.String())
	assert.True(t, quote.Usable())
}

func TestQuoteZeroOutputNotUsable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output_amount": "0", "output_after_fee": "0"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	quote, err := c.Quote(context.Background(), types.NativeMint, usdcMint, "1000", 50)
	require.NoError(t, err)
	assert.False(t, quote.Usable())
}

func TestQuoteRejectsMalformedAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output_amount": "1.5e6"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.Quote(context.Background(), types.NativeMint, usdcMint, "1000", 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output_amount")
}

func TestBuildSwap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/swap/build", r.URL.Path)
		fmt.Fprint(w, `{"transaction": "AQIDBA==", "output_amount": "1000000"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	req := types.SwapBuildRequest{
		WalletAddress: testWallet,
		InputMint:     types.NativeMint,
		OutputMint:    usdcMint,
		Amount:        "1000000",
		SlippageBps:   50,
	}
	unsigned, err := c.BuildSwap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "AQIDBA==", unsigned.Payload)
	assert.Equal(t, req, unsigned.Request)
}

func TestBuildSwapValidatesRequest(t *testing.T) {
	c := NewClient("http://unused.invalid")
	_, err := c.BuildSwap(context.Background(), types.SwapBuildRequest{
		WalletAddress: testWallet,
		// InputMint and OutputMint missing
		Amount:      "1000",
		SlippageBps: 50,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid swap build request")
}

func TestBuildSwapNoPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.BuildSwap(context.Background(), types.SwapBuildRequest{
		WalletAddress: testWallet,
		InputMint:     types.NativeMint,
		OutputMint:    usdcMint,
		Amount:        "1000",
		SlippageBps:   50,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transaction payload")
}

func TestBalanceFullPrecision(t *testing.T) {
	// A balance beyond float64's 53-bit mantissa must survive intact.
	const huge = "92233720368547758079"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/balance", r.URL.Path)
		assert.Equal(t, testWallet, r.URL.Query().Get("wallet_address"))
		assert.Equal(t, usdcMint, r.URL.Query().Get("token_mint"))
		fmt.Fprintf(w, `{"wallet_address": %q, "token_mint": %q, "balance": %q, "decimals": 6}`,
			testWallet, usdcMint, huge)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	snap, err := c.Balance(context.Background(), testWallet, usdcMint)
	require.NoError(t, err)

	assert.Equal(t, huge, snap.Amount.String())
	assert.Equal(t, usdcMint, snap.Token)
	assert.Equal(t, 6, snap.Decimals)
	assert.False(t, snap.ObservedAt.IsZero())
}

func TestBalanceNativeOmitsTokenMint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("token_mint"))
		fmt.Fprint(w, `{"balance": "5000000000"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	snap, err := c.Balance(context.Background(), testWallet, types.NativeMint)
	require.NoError(t, err)
	assert.Equal(t, "5000000000", snap.Amount.String())
}

func TestTransactionStatus(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		status    types.TxStatus
		errorText string
	}{
		{
			name:   "confirmed",
			body:   `{"signature": "abc", "status": "confirmed", "confirmed": true}`,
			status: types.TxConfirmed,
		},
		{
			name:   "unknown status maps to pending",
			body:   `{"signature": "abc", "status": "processing"}`,
			status: types.TxPending,
		},
		{
			name:      "string error",
			body:      `{"signature": "abc", "status": "failed", "error": "slippage exceeded"}`,
			status:    types.TxFailed,
			errorText: "slippage exceeded",
		},
		{
			name:      "object error",
			body:      `{"signature": "abc", "status": "failed", "error": {"code": "E42", "message": "boom"}}`,
			status:    types.TxFailed,
			errorText: "E42: boom",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/transaction/status/abc", r.URL.Path)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			c := NewClient(server.URL)
			st, err := c.TransactionStatus(context.Background(), "abc")
			require.NoError(t, err)
			assert.Equal(t, tc.status, st.Status)
			assert.Equal(t, "abc", st.Signature)
			assert.Equal(t, tc.errorText, st.Error)
		})
	}
}

func TestErrorResponseSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "unknown mint"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.Balance(context.Background(), testWallet, usdcMint)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "unknown mint")
}
