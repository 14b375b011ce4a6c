package types

import (
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// SchemeSolana is the one payment rail this client can fulfil.
// Requirements demanding any other scheme are rejected.
const SchemeSolana = "solana"

// NetworkMainnet is assumed when a 402 body omits the network field.
const NetworkMainnet = "solana-mainnet"

// NativeMint is the wrapped-SOL mint address. An empty token id in
// balance queries and quotes denotes the native asset.
const NativeMint = "So11111111111111111111111111111111111111112"

// PaymentOption is a single entry of the `accepts` list in a 402 body.
type PaymentOption struct {
	// Scheme of the payment rail (e.g., "solana", "ethereum").
	Scheme string `json:"scheme"`

	// Token mint address the payment must be made in.
	Token string `json:"token"`

	// Amount in the token's smallest unit, as a decimal string.
	Amount string `json:"amount"`

	// Network identifier. Optional; defaults to solana-mainnet.
	Network string `json:"network,omitempty"`

	// PayTo is the payment recipient address. Optional in the wire
	// format; required before a payment transaction can be built.
	PayTo string `json:"pay_to,omitempty"`

	// Address is an alternative field name some servers use for PayTo.
	Address string `json:"address,omitempty"`
}

// PaymentRequiredBody is the machine-readable body of a 402 response.
type PaymentRequiredBody struct {
	Accepts []PaymentOption `json:"accepts"`
	Error   string          `json:"error,omitempty"`
}

// PaymentRequirement is the canonical, validated payment demand
// extracted from a 402 response. Immutable once parsed.
type PaymentRequirement struct {
	Scheme  string
	Token   string
	Network string

	// Amount in smallest units. Never a display value.
	Amount *big.Int

	// PayTo is the recipient address, empty when the server omitted it.
	PayTo string
}

// Recipient returns the payment destination address, or an error when
// the 402 body did not carry one.
func (r *PaymentRequirement) Recipient() (string, error) {
	if r.PayTo == "" {
		return "", &AutoPayError{
			Code:    ErrCodeMissingRecipient,
			Message: "payment requirement carries no recipient address",
		}
	}
	return r.PayTo, nil
}

// BalanceSnapshot is a point-in-time balance observation. Snapshots are
// never cached: conversions race with balance checks, so every check is
// a fresh query.
type BalanceSnapshot struct {
	Token      string
	Amount     *big.Int
	Decimals   int
	ObservedAt time.Time
}

// Covers reports whether the snapshot holds at least the given amount.
func (b *BalanceSnapshot) Covers(amount *big.Int) bool {
	return b.Amount.Cmp(amount) >= 0
}

// ConversionQuote is the aggregator's answer to a quote request.
type ConversionQuote struct {
	InputToken  string
	OutputToken string

	InputAmount  *big.Int
	OutputAmount *big.Int

	// OutputAfterFee is the output net of the aggregator fee; this is
	// the amount that actually lands in the wallet.
	OutputAfterFee *big.Int

	PriceImpact decimal.Decimal
	FeeAmount   *big.Int
	FeeBps      int
}

// Usable reports whether the quote carries a non-zero net output.
// Quotes without one are treated as absent.
func (q *ConversionQuote) Usable() bool {
	out := q.OutputAfterFee
	if out == nil {
		out = q.OutputAmount
	}
	return out != nil && out.Sign() > 0
}

// SwapBuildRequest asks the aggregator to build an unsigned conversion
// transaction. Validated before it goes on the wire.
type SwapBuildRequest struct {
	WalletAddress       string `json:"wallet_address" validate:"required"`
	InputMint           string `json:"input_mint" validate:"required"`
	OutputMint          string `json:"output_mint" validate:"required"`
	Amount              string `json:"amount" validate:"required,number"`
	SlippageBps         int    `json:"slippage_bps" validate:"gte=0,lte=10000"`
	PriorityFeeLamports uint64 `json:"priority_fee_lamports"`
}

// UnsignedTransaction is an encoded transaction payload returned by the
// aggregator, plus the parameters it was built from.
type UnsignedTransaction struct {
	// Payload is the base64-encoded transaction bytes. The on-chain
	// format (versioned or legacy) is decided at decode time.
	Payload string

	Request SwapBuildRequest
}

// TxStatus is the state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxTimeout   TxStatus = "timeout"
)

// Terminal reports whether no further state transitions are possible.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed || s == TxTimeout
}

// SubmittedTransaction tracks a broadcast transaction through
// confirmation. Once confirmed or failed it never changes again.
type SubmittedTransaction struct {
	Signature string   `json:"signature"`
	Status    TxStatus `json:"status"`
	Confirmed bool     `json:"confirmed"`
	Error     string   `json:"error,omitempty"`
}

// PaymentOutcome is the final result of a full 402 handling flow.
type PaymentOutcome struct {
	Ready               bool
	ConversionPerformed bool
	ConversionResult    *SubmittedTransaction
	PaymentResult       *SubmittedTransaction
	Requirement         *PaymentRequirement

	// FinalResponse is the retried HTTP response, or the original
	// response when it was not a 402.
	FinalResponse *http.Response
}

// ParseAmount parses a smallest-unit amount string into a big.Int,
// rejecting anything that is not a plain non-negative integer. Amounts
// must never pass through floating point.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q: not a base-10 integer", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	return n, nil
}

// ValidateAddress checks that s is a plausible Solana address:
// base58 text decoding to a 32-byte public key.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("address is empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("address %q is not valid base58: %w", s, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("address %q decodes to %d bytes, want 32", s, len(raw))
	}
	return nil
}
