// Package autopay is a client-side payment-fulfilment agent for the
// HTTP 402 Payment Required pattern on Solana. Given a 402 response it
// extracts the payment demand, converts funds when the wallet is
// short, pays, and retries the original request with payment proof
// attached.
package autopay

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/moltydex/x402-autopay/api"
	"github.com/moltydex/x402-autopay/config"
	"github.com/moltydex/x402-autopay/logger"
	"github.com/moltydex/x402-autopay/metrics"
	"github.com/moltydex/x402-autopay/request"
	"github.com/moltydex/x402-autopay/settlement"
	"github.com/moltydex/x402-autopay/swap"
	"github.com/moltydex/x402-autopay/types"
	"github.com/moltydex/x402-autopay/wallet"
)

// Payment proof headers attached to the retried request.
const (
	HeaderPayment       = "X-Payment"
	HeaderPaymentAmount = "X-Payment-Amount"
	HeaderPaymentToken  = "X-Payment-Token"
)

// balanceChecker is the sufficiency surface the agent drives;
// *swap.Orchestrator satisfies it.
type balanceChecker interface {
	EnsureSufficientBalance(ctx context.Context, req *types.PaymentRequirement) (*types.SubmittedTransaction, error)
}

// paymentBuilder builds the unsigned payment transfer;
// *wallet.Wallet satisfies it.
type paymentBuilder interface {
	BuildPaymentTransaction(ctx context.Context, recipient, mint string, amount *big.Int) (*types.UnsignedTransaction, error)
}

// submitter signs, broadcasts, and confirms; *settlement.Submitter
// satisfies it.
type submitter interface {
	SubmitAndConfirm(ctx context.Context, unsigned *types.UnsignedTransaction) (*types.SubmittedTransaction, error)
}

// Agent runs the full 402 flow. One Agent serves any number of
// concurrent invocations; per-invocation state never leaves the call.
type Agent struct {
	exec    *request.Executor
	checker balanceChecker
	builder paymentBuilder
	sub     submitter
	log     logger.Logger
	rec     metrics.Recorder
}

// New wires an Agent from configuration: retrying executor, aggregator
// client, wallet, submitter, and conversion orchestrator.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		log: logger.NoopLogger{},
		rec: metrics.NoopRecorder{},
	}
	settings := &agentSettings{}
	for _, opt := range opts {
		opt(a, settings)
	}

	a.exec = request.New(
		request.WithMaxRetries(cfg.MaxRetries),
		request.WithBackoffBase(cfg.BackoffBase),
		request.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		request.WithLogger(a.log),
		request.WithRecorder(a.rec),
	)

	apiClient := api.NewClient(cfg.APIURL,
		api.WithExecutor(a.exec),
		api.WithLogger(a.log),
	)

	rpcClient := rpc.New(cfg.RPCURL)

	w := settings.wallet
	if w == nil {
		var err error
		w, err = wallet.Load(wallet.Config{
			KeygenFile:      cfg.WalletPath,
			SecretKeyBase58: cfg.WalletSecretKey,
			ExpectedAddress: cfg.WalletAddress,
		}, rpcClient)
		if err != nil {
			return nil, err
		}
	}
	a.builder = w

	sub := settlement.New(rpcClient, apiClient, w,
		settlement.WithLogger(a.log),
		settlement.WithRecorder(a.rec),
		settlement.WithConfirmTimeout(cfg.ConfirmTimeout),
		settlement.WithPollInterval(cfg.PollInterval),
	)
	a.sub = sub

	a.checker = swap.New(apiClient, sub, w.Address(),
		swap.WithInputMint(cfg.PreferredInputMint),
		swap.WithSlippageBps(cfg.SlippageBps),
		swap.WithPriorityFee(cfg.PriorityFeeLamports),
		swap.WithLogger(a.log),
		swap.WithRecorder(a.rec),
	)

	return a, nil
}

// Handle402 runs the payment flow for a 402 response and re-issues the
// original request with proof attached. A response that is not a 402
// is returned unchanged with no side effects. Errors from parsing,
// balance checks, or conversion propagate unmodified: the flow has no
// partial-success semantics.
func (a *Agent) Handle402(ctx context.Context, resp *http.Response, original *http.Request) (*types.PaymentOutcome, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return &types.PaymentOutcome{FinalResponse: resp}, nil
	}

	req, err := DecodePaymentRequired(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	a.log.Info("payment required", map[string]any{
		"token":   req.Token,
		"amount":  req.Amount.String(),
		"network": req.Network,
	})

	conv, err := a.checker.EnsureSufficientBalance(ctx, req)
	if err != nil {
		a.rec.IncCounter("payment", map[string]string{"outcome": "conversion_error"})
		return nil, err
	}

	payment, err := a.pay(ctx, req)
	if err != nil {
		a.rec.IncCounter("payment", map[string]string{"outcome": "payment_error"})
		return nil, err
	}

	final, err := a.retryOriginal(ctx, original, req, payment.Signature)
	if err != nil {
		return nil, err
	}
	a.rec.IncCounter("payment", map[string]string{"outcome": "ok"})

	return &types.PaymentOutcome{
		Ready:               true,
		ConversionPerformed: conv != nil,
		ConversionResult:    conv,
		PaymentResult:       payment,
		Requirement:         req,
		FinalResponse:       final,
	}, nil
}

// pay builds, signs, submits, and confirms the payment transfer. The
// confirmed signature doubles as the payment proof.
func (a *Agent) pay(ctx context.Context, req *types.PaymentRequirement) (*types.SubmittedTransaction, error) {
	recipient, err := req.Recipient()
	if err != nil {
		return nil, err
	}

	unsigned, err := a.builder.BuildPaymentTransaction(ctx, recipient, req.Token, req.Amount)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := a.sub.SubmitAndConfirm(ctx, unsigned)
	if err != nil {
		return nil, err
	}
	a.rec.ObserveLatency("payment_confirm", time.Since(start), map[string]string{"outcome": string(result.Status)})

	switch result.Status {
	case types.TxConfirmed:
		a.log.Info("payment confirmed", map[string]any{"signature": result.Signature})
		return result, nil
	case types.TxTimeout:
		// Terminal here, but the signature lets the caller keep
		// polling out of band.
		return nil, types.Errorf(types.ErrCodeTransactionTimeout,
			"payment %s not confirmed: %s", result.Signature, result.Error)
	default:
		return nil, types.Errorf(types.ErrCodeConversionFailed,
			"payment transaction %s failed: %s", result.Signature, result.Error)
	}
}

// retryOriginal re-issues the original request with the proof headers
// merged in, through the retrying executor.
func (a *Agent) retryOriginal(ctx context.Context, original *http.Request, req *types.PaymentRequirement, proof string) (*http.Response, error) {
	headers := make(http.Header, len(original.Header)+3)
	for k, vs := range original.Header {
		headers[k] = vs
	}
	headers.Set(HeaderPayment, proof)
	headers.Set(HeaderPaymentAmount, req.Amount.String())
	headers.Set(HeaderPaymentToken, req.Token)

	var raw []byte
	if original.GetBody != nil {
		body, err := original.GetBody()
		if err != nil {
			return nil, err
		}
		raw, err = io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, err
		}
	}

	return a.exec.Do(ctx, original.Method, original.URL.String(), request.Options{
		Headers: headers,
		RawBody: raw,
	})
}
