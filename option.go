package autopay

import (
	"github.com/moltydex/x402-autopay/logger"
	"github.com/moltydex/x402-autopay/metrics"
	"github.com/moltydex/x402-autopay/wallet"
)

// agentSettings collects construction-time inputs that are not plain
// Agent fields.
type agentSettings struct {
	wallet *wallet.Wallet
}

// Option configures an Agent at construction.
type Option func(*Agent, *agentSettings)

// WithLogger attaches a logger; the default is silent.
func WithLogger(l logger.Logger) Option {
	return func(a *Agent, _ *agentSettings) { a.log = l }
}

// WithMetrics attaches a metrics recorder; the default discards.
func WithMetrics(r metrics.Recorder) Option {
	return func(a *Agent, _ *agentSettings) { a.rec = r }
}

// WithWallet supplies a pre-loaded wallet instead of loading key
// material from configuration.
func WithWallet(w *wallet.Wallet) Option {
	return func(_ *Agent, s *agentSettings) { s.wallet = w }
}
