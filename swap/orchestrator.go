// Package swap decides whether a payment requirement is already
// covered and, when it is not, runs one conversion from the preferred
// input asset into the required token.
package swap

import (
	"context"
	"time"

	"github.com/moltydex/x402-autopay/logger"
	"github.com/moltydex/x402-autopay/metrics"
	"github.com/moltydex/x402-autopay/types"
)

const DefaultSlippageBps = 50

// Aggregator is the quote/build/balance surface the orchestrator
// consumes. *api.Client satisfies it.
type Aggregator interface {
	Balance(ctx context.Context, walletAddress, tokenMint string) (*types.BalanceSnapshot, error)
	Quote(ctx context.Context, inputMint, outputMint string, amount string, slippageBps int) (*types.ConversionQuote, error)
	BuildSwap(ctx context.Context, req types.SwapBuildRequest) (*types.UnsignedTransaction, error)
}

// Submitter signs, broadcasts, and confirms a prepared transaction.
type Submitter interface {
	SubmitAndConfirm(ctx context.Context, unsigned *types.UnsignedTransaction) (*types.SubmittedTransaction, error)
}

// Orchestrator holds the fixed conversion parameters for one wallet.
// Each EnsureSufficientBalance call is independent; concurrent
// invocations share nothing mutable.
type Orchestrator struct {
	agg           Aggregator
	sub           Submitter
	walletAddress string
	inputMint     string
	slippageBps   int
	priorityFee   uint64
	log           logger.Logger
	rec           metrics.Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithInputMint(mint string) Option {
	return func(o *Orchestrator) {
		if mint != "" {
			o.inputMint = mint
		}
	}
}

func WithSlippageBps(bps int) Option {
	return func(o *Orchestrator) { o.slippageBps = bps }
}

func WithPriorityFee(lamports uint64) Option {
	return func(o *Orchestrator) { o.priorityFee = lamports }
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.rec = r }
}

// New creates an Orchestrator converting from the native asset by
// default.
func New(agg Aggregator, sub Submitter, walletAddress string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agg:           agg,
		sub:           sub,
		walletAddress: walletAddress,
		inputMint:     types.NativeMint,
		slippageBps:   DefaultSlippageBps,
		log:           logger.NoopLogger{},
		rec:           metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EnsureSufficientBalance makes the wallet hold at least the required
// amount of the required token, converting once when it does not. The
// returned transaction is nil on the no-conversion path.
//
// The conversion targets the full requirement amount rather than the
// shortfall: converting for the delta leaves a second shortfall
// whenever the price moves between quote and confirmation.
func (o *Orchestrator) EnsureSufficientBalance(ctx context.Context, req *types.PaymentRequirement) (*types.SubmittedTransaction, error) {
	bal, err := o.agg.Balance(ctx, o.walletAddress, req.Token)
	if err != nil {
		return nil, err
	}
	if bal.Covers(req.Amount) {
		o.log.Debug("balance sufficient, no conversion needed", map[string]any{
			"token":    req.Token,
			"balance":  bal.Amount.String(),
			"required": req.Amount.String(),
		})
		return nil, nil
	}

	o.log.Info("balance insufficient, converting", map[string]any{
		"token":    req.Token,
		"balance":  bal.Amount.String(),
		"required": req.Amount.String(),
	})

	start := time.Now()
	result, err := o.convert(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.rec.ObserveLatency("conversion", time.Since(start), map[string]string{"outcome": outcome})
	if err != nil {
		return nil, err
	}

	// Fresh query only: the conversion raced with the earlier check.
	after, err := o.agg.Balance(ctx, o.walletAddress, req.Token)
	if err != nil {
		return nil, err
	}
	if !after.Covers(req.Amount) {
		return nil, types.Errorf(types.ErrCodeInsufficientBalance,
			"balance %s still below required %s of %s after conversion %s",
			after.Amount, req.Amount, req.Token, result.Signature)
	}
	return result, nil
}

func (o *Orchestrator) convert(ctx context.Context, req *types.PaymentRequirement) (*types.SubmittedTransaction, error) {
	quote, err := o.agg.Quote(ctx, o.inputMint, req.Token, req.Amount.String(), o.slippageBps)
	if err != nil {
		return nil, types.NewError(types.ErrCodeNoRoute, "quote request failed", err)
	}
	if !quote.Usable() {
		return nil, types.Errorf(types.ErrCodeNoRoute,
			"aggregator returned no usable output for %s -> %s", o.inputMint, req.Token)
	}

	unsigned, err := o.agg.BuildSwap(ctx, types.SwapBuildRequest{
		WalletAddress:       o.walletAddress,
		InputMint:           o.inputMint,
		OutputMint:          req.Token,
		Amount:              req.Amount.String(),
		SlippageBps:         o.slippageBps,
		PriorityFeeLamports: o.priorityFee,
	})
	if err != nil {
		return nil, types.NewError(types.ErrCodeConversionFailed, "build conversion transaction", err)
	}

	result, err := o.sub.SubmitAndConfirm(ctx, unsigned)
	if err != nil {
		if types.IsCode(err, types.ErrCodeCancelled) {
			return nil, err
		}
		return nil, types.NewError(types.ErrCodeConversionFailed, "submit conversion transaction", err)
	}
	switch result.Status {
	case types.TxConfirmed:
		return result, nil
	case types.TxTimeout:
		return nil, types.NewError(types.ErrCodeConversionFailed, "conversion not confirmed",
			types.Errorf(types.ErrCodeTransactionTimeout, "%s", result.Error))
	default:
		return nil, types.Errorf(types.ErrCodeConversionFailed,
			"conversion transaction %s failed: %s", result.Signature, result.Error)
	}
}
