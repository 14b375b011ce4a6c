package autopay

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/moltydex/x402-autopay/types"
)

// ParsePaymentRequirement extracts the canonical payment requirement
// from a 402 body. The accepts list is scanned in order and the first
// entry on the supported rail wins; there is no scoring across
// matches. Bodies offering only other rails fail with the unsupported
// scheme code, which callers must treat as terminal.
func ParsePaymentRequirement(body *types.PaymentRequiredBody) (*types.PaymentRequirement, error) {
	if body == nil || len(body.Accepts) == 0 {
		return nil, types.Errorf(types.ErrCodeInvalidRequirements,
			"402 body carries no accepts list")
	}

	for _, opt := range body.Accepts {
		if opt.Scheme != types.SchemeSolana {
			continue
		}

		amount, err := types.ParseAmount(opt.Amount)
		if err != nil {
			return nil, types.NewError(types.ErrCodeInvalidRequirements,
				fmt.Sprintf("accepts entry for token %s", opt.Token), err)
		}
		if err := types.ValidateAddress(opt.Token); err != nil {
			return nil, types.NewError(types.ErrCodeInvalidRequirements, "token mint", err)
		}

		payTo := opt.PayTo
		if payTo == "" {
			payTo = opt.Address
		}
		if payTo != "" {
			if err := types.ValidateAddress(payTo); err != nil {
				return nil, types.NewError(types.ErrCodeInvalidRequirements, "recipient address", err)
			}
		}

		network := opt.Network
		if network == "" {
			network = types.NetworkMainnet
		}

		return &types.PaymentRequirement{
			Scheme:  opt.Scheme,
			Token:   opt.Token,
			Amount:  amount,
			Network: network,
			PayTo:   payTo,
		}, nil
	}

	offered := make([]string, 0, len(body.Accepts))
	for _, opt := range body.Accepts {
		offered = append(offered, opt.Scheme)
	}
	return nil, types.Errorf(types.ErrCodeUnsupportedScheme,
		"no %s payment option offered (got: %s)", types.SchemeSolana, strings.Join(offered, ", "))
}

// DecodePaymentRequired reads and parses a 402 response body.
func DecodePaymentRequired(r io.Reader) (*types.PaymentRequirement, error) {
	var body types.PaymentRequiredBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, types.NewError(types.ErrCodeInvalidRequirements, "malformed 402 body", err)
	}
	return ParsePaymentRequirement(&body)
}
