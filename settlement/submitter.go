// Package settlement signs prepared transactions, broadcasts them to
// the ledger, and polls the aggregator status endpoint until a
// terminal state is reached.
package settlement

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/moltydex/x402-autopay/logger"
	"github.com/moltydex/x402-autopay/metrics"
	"github.com/moltydex/x402-autopay/types"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultSubmitRetries  = 3
	submitBackoffBase     = 1 * time.Second
)

// Broadcaster is the subset of the ledger RPC surface the submitter
// needs. *rpc.Client satisfies it.
type Broadcaster interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	SendRawTransactionWithOpts(ctx context.Context, txBytes []byte, opts rpc.TransactionOpts) (solana.Signature, error)
}

// StatusFetcher reads transaction status from the aggregator.
type StatusFetcher interface {
	TransactionStatus(ctx context.Context, signature string) (*types.SubmittedTransaction, error)
}

// Signer resolves the private key for a required signer account.
type Signer interface {
	PrivateKeyFor(key solana.PublicKey) *solana.PrivateKey
}

// Submitter signs, broadcasts, and confirms transactions.
type Submitter struct {
	rpc    Broadcaster
	status StatusFetcher
	signer Signer
	log    logger.Logger
	rec    metrics.Recorder

	confirmTimeout time.Duration
	pollInterval   time.Duration
	submitRetries  int

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Submitter.
type Option func(*Submitter)

func WithLogger(l logger.Logger) Option {
	return func(s *Submitter) { s.log = l }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(s *Submitter) { s.rec = r }
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(s *Submitter) { s.confirmTimeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Submitter) { s.pollInterval = d }
}

func WithSubmitRetries(n int) Option {
	return func(s *Submitter) { s.submitRetries = n }
}

// New creates a Submitter bound to a broadcaster, a status source, and
// the signing wallet.
func New(broadcaster Broadcaster, status StatusFetcher, signer Signer, opts ...Option) *Submitter {
	s := &Submitter{
		rpc:            broadcaster,
		status:         status,
		signer:         signer,
		log:            logger.NoopLogger{},
		rec:            metrics.NoopRecorder{},
		confirmTimeout: DefaultConfirmTimeout,
		pollInterval:   DefaultPollInterval,
		submitRetries:  DefaultSubmitRetries,
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// decodedTransaction is the tagged variant behind the dual on-chain
// encodings. The variant is resolved once at decode time; each carries
// its own broadcast strategy.
type decodedTransaction interface {
	sign(signer Signer) error
	broadcast(ctx context.Context, b Broadcaster) (solana.Signature, error)
}

// versionedTransaction is the newer wire format, broadcast as raw
// serialized bytes.
type versionedTransaction struct {
	tx *solana.Transaction
}

func (v *versionedTransaction) sign(signer Signer) error {
	_, err := v.tx.Sign(signer.PrivateKeyFor)
	return err
}

func (v *versionedTransaction) broadcast(ctx context.Context, b Broadcaster) (solana.Signature, error) {
	raw, err := v.tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize versioned transaction: %w", err)
	}
	return b.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
}

// legacyTransaction is the pre-versioned format, kept for servers that
// still return it; broadcast through the transaction-object call.
type legacyTransaction struct {
	tx *solana.Transaction
}

func (l *legacyTransaction) sign(signer Signer) error {
	_, err := l.tx.Sign(signer.PrivateKeyFor)
	return err
}

func (l *legacyTransaction) broadcast(ctx context.Context, b Broadcaster) (solana.Signature, error) {
	return b.SendTransactionWithOpts(ctx, l.tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
}

// decodeTransaction resolves the payload into its format variant.
// Callers cannot control which format the aggregator returns, so both
// must be supported.
func decodeTransaction(payload string) (decodedTransaction, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("transaction payload is not valid base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.Message.GetVersion() == solana.MessageVersionLegacy {
		return &legacyTransaction{tx: tx}, nil
	}
	return &versionedTransaction{tx: tx}, nil
}

// SubmitAndConfirm signs the prepared transaction, broadcasts it with
// bounded retry, and polls until a terminal status. A timeout or
// failed status is reported in the returned transaction, not as an
// error; errors mean the transaction never reached the ledger.
func (s *Submitter) SubmitAndConfirm(ctx context.Context, unsigned *types.UnsignedTransaction) (*types.SubmittedTransaction, error) {
	tx, err := decodeTransaction(unsigned.Payload)
	if err != nil {
		return nil, err
	}
	if err := tx.sign(s.signer); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := s.broadcastWithRetry(ctx, tx)
	if err != nil {
		return nil, err
	}

	// The signature handle is normalized to a plain string here; every
	// downstream consumer works with the string form.
	return s.Confirm(ctx, sig.String())
}

func (s *Submitter) broadcastWithRetry(ctx context.Context, tx decodedTransaction) (solana.Signature, error) {
	var lastErr error
	for attempt := 0; attempt < s.submitRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, submitBackoffBase<<uint(attempt-1)); err != nil {
				return solana.Signature{}, types.NewError(types.ErrCodeCancelled, "submission aborted", err)
			}
		}
		sig, err := tx.broadcast(ctx, s.rpc)
		if err == nil {
			s.rec.IncCounter("tx_submitted", map[string]string{"outcome": "ok"})
			return sig, nil
		}
		lastErr = err
		s.rec.IncCounter("tx_submitted", map[string]string{"outcome": "error"})
		s.log.Warn("transaction broadcast failed", map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		if ctx.Err() != nil {
			return solana.Signature{}, types.NewError(types.ErrCodeCancelled, "submission aborted", ctx.Err())
		}
	}
	return solana.Signature{}, fmt.Errorf("broadcast failed after %d attempts: %w", s.submitRetries, lastErr)
}

// Confirm polls the status endpoint every poll interval until the
// transaction confirms, fails, or the timeout elapses. Transient
// polling errors are logged and polling continues. On timeout one
// final check is made; if even that is inconclusive a synthetic
// timeout status is returned carrying the last observed error.
func (s *Submitter) Confirm(ctx context.Context, signature string) (*types.SubmittedTransaction, error) {
	start := time.Now()
	deadline := start.Add(s.confirmTimeout)

	var lastErr error
	for time.Now().Before(deadline) {
		st, err := s.status.TransactionStatus(ctx, signature)
		switch {
		case err != nil:
			if types.IsCode(err, types.ErrCodeCancelled) {
				return nil, err
			}
			lastErr = err
			s.log.Debug("status poll failed, will retry", map[string]any{
				"signature": signature,
				"error":     err.Error(),
			})
		case st.Confirmed || st.Status == types.TxFailed:
			s.rec.ObserveLatency("tx_confirm", time.Since(start), map[string]string{"outcome": string(st.Status)})
			return st, nil
		}

		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return nil, types.NewError(types.ErrCodeCancelled, "confirmation polling aborted", err)
		}
	}

	if st, err := s.status.TransactionStatus(ctx, signature); err == nil && st.Status.Terminal() {
		return st, nil
	} else if err != nil && !types.IsCode(err, types.ErrCodeCancelled) {
		lastErr = err
	}

	s.rec.ObserveLatency("tx_confirm", time.Since(start), map[string]string{"outcome": string(types.TxTimeout)})
	msg := fmt.Sprintf("confirmation polling timed out after %s", s.confirmTimeout)
	if lastErr != nil {
		msg = fmt.Sprintf("%s; last error: %v", msg, lastErr)
	}
	return &types.SubmittedTransaction{
		Signature: signature,
		Status:    types.TxTimeout,
		Confirmed: false,
		Error:     msg,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
