// Package api is the HTTP client for the aggregation service: swap
// quotes, unsigned swap building, balance queries, and transaction
// status. All calls go through the retrying executor.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/moltydex/x402-autopay/logger"
	"github.com/moltydex/x402-autopay/request"
	"github.com/moltydex/x402-autopay/types"
)

// Client talks to the aggregator API. Safe for concurrent use.
type Client struct {
	baseURL  string
	exec     *request.Executor
	validate *validator.Validate
	log      logger.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithExecutor(e *request.Executor) Option {
	return func(c *Client) { c.exec = e }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates an aggregator API client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		exec:     request.New(),
		validate: validator.New(),
		log:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type quoteWire struct {
	InputAmount    string `json:"input_amount"`
	OutputAmount   string `json:"output_amount"`
	OutputAfterFee string `json:"output_after_fee"`
	FeeAmount      string `json:"fee_amount"`
	FeeBps         int    `json:"fee_bps"`
	PriceImpact    string `json:"price_impact"`
}

// Quote asks for a conversion quote of amount units of inputMint into
// outputMint. An empty inputMint means the native asset.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount string, slippageBps int) (*types.ConversionQuote, error) {
	if inputMint == "" {
		inputMint = types.NativeMint
	}
	q := url.Values{
		"input_mint":   {inputMint},
		"output_mint":  {outputMint},
		"amount":       {amount},
		"slippage_bps": {strconv.Itoa(slippageBps)},
	}

	var wire quoteWire
	if err := c.getJSON(ctx, "/api/quote", q, &wire); err != nil {
		return nil, err
	}

	quote := &types.ConversionQuote{
		InputToken:  inputMint,
		OutputToken: outputMint,
		FeeBps:      wire.FeeBps,
	}
	var err error
	if quote.InputAmount, err = optionalAmount(wire.InputAmount); err != nil {
		return nil, fmt.Errorf("quote input_amount: %w", err)
	}
	if quote.OutputAmount, err = optionalAmount(wire.OutputAmount); err != nil {
		return nil, fmt.Errorf("quote output_amount: %w", err)
	}
	if quote.OutputAfterFee, err = optionalAmount(wire.OutputAfterFee); err != nil {
		return nil, fmt.Errorf("quote output_after_fee: %w", err)
	}
	if quote.FeeAmount, err = optionalAmount(wire.FeeAmount); err != nil {
		return nil, fmt.Errorf("quote fee_amount: %w", err)
	}
	if wire.PriceImpact != "" {
		if quote.PriceImpact, err = decimal.NewFromString(wire.PriceImpact); err != nil {
			return nil, fmt.Errorf("quote price_impact: %w", err)
		}
	}
	return quote, nil
}

type swapBuildWire struct {
	Transaction    string `json:"transaction"`
	OutputAmount   string `json:"output_amount"`
	OutputAfterFee string `json:"output_after_fee"`
	FeeAmount      string `json:"fee_amount"`
	FeeBps         int    `json:"fee_bps"`
}

// BuildSwap requests an unsigned conversion transaction. The payload
// is signed client side; the private key never leaves the process.
func (c *Client) BuildSwap(ctx context.Context, req types.SwapBuildRequest) (*types.UnsignedTransaction, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid swap build request: %w", err)
	}

	var wire swapBuildWire
	if err := c.postJSON(ctx, "/api/swap/build", req, &wire); err != nil {
		return nil, err
	}
	if wire.Transaction == "" {
		return nil, fmt.Errorf("swap build response carries no transaction payload")
	}

	return &types.UnsignedTransaction{
		Payload: wire.Transaction,
		Request: req,
	}, nil
}

type balanceWire struct {
	WalletAddress string `json:"wallet_address"`
	TokenMint     string `json:"token_mint"`
	Balance       string `json:"balance"`
	Decimals      int    `json:"decimals"`
}

// Balance returns a fresh balance snapshot for the wallet. An empty
// tokenMint queries the native asset. The balance travels as a string
// and is parsed at full precision; rounding it through a float would
// silently mis-trigger conversions.
func (c *Client) Balance(ctx context.Context, walletAddress, tokenMint string) (*types.BalanceSnapshot, error) {
	q := url.Values{"wallet_address": {walletAddress}}
	if tokenMint != "" && tokenMint != types.NativeMint {
		q.Set("token_mint", tokenMint)
	}

	var wire balanceWire
	if err := c.getJSON(ctx, "/api/balance", q, &wire); err != nil {
		return nil, err
	}

	amount, err := types.ParseAmount(nonEmpty(wire.Balance, "0"))
	if err != nil {
		return nil, fmt.Errorf("balance for %s: %w", walletAddress, err)
	}
	return &types.BalanceSnapshot{
		Token:      nonEmpty(wire.TokenMint, tokenMint),
		Amount:     amount,
		Decimals:   wire.Decimals,
		ObservedAt: time.Now(),
	}, nil
}

type txStatusWire struct {
	Signature string          `json:"signature"`
	Status    string          `json:"status"`
	Confirmed bool            `json:"confirmed"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// TransactionStatus fetches the current status of a submitted
// transaction from the aggregator's status endpoint.
func (c *Client) TransactionStatus(ctx context.Context, signature string) (*types.SubmittedTransaction, error) {
	var wire txStatusWire
	if err := c.getJSON(ctx, "/api/transaction/status/"+url.PathEscape(signature), nil, &wire); err != nil {
		return nil, err
	}

	status := types.TxStatus(wire.Status)
	switch status {
	case types.TxPending, types.TxConfirmed, types.TxFailed, types.TxTimeout:
	default:
		status = types.TxPending
	}
	if wire.Confirmed {
		status = types.TxConfirmed
	}

	return &types.SubmittedTransaction{
		Signature: nonEmpty(wire.Signature, signature),
		Status:    status,
		Confirmed: wire.Confirmed,
		Error:     flattenError(wire.Error),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.exec.Do(ctx, http.MethodGet, c.baseURL+path, request.Options{Query: q})
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.exec.Do(ctx, http.MethodPost, c.baseURL+path, request.Options{Body: body})
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("aggregator returned %d: %s", resp.StatusCode, truncate(raw, 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// flattenError normalizes the status endpoint's error field, which may
// arrive as a bare string or as a {code, message} object.
func flattenError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Code != "" || obj.Message != "") {
		if obj.Code != "" && obj.Message != "" {
			return obj.Code + ": " + obj.Message
		}
		return obj.Code + obj.Message
	}
	return string(raw)
}

func optionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return types.ParseAmount(s)
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
