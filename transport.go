package autopay

import (
	"net/http"
)

// Transport is an http.RoundTripper that fulfils 402 responses
// transparently: the caller sees either the paid-for response or a
// typed error, never the 402 itself.
type Transport struct {
	// Base is the underlying RoundTripper; http.DefaultTransport when
	// nil.
	Base http.RoundTripper

	// Agent handles the payment flow.
	Agent *Agent
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	outcome, err := t.Agent.Handle402(req.Context(), resp, req)
	if err != nil {
		return nil, err
	}
	return outcome.FinalResponse, nil
}

// NewHTTPClient returns an http.Client whose requests pay their own
// way through 402 responses.
func NewHTTPClient(agent *Agent) *http.Client {
	return &http.Client{
		Transport: &Transport{Agent: agent},
	}
}
