package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tragatelo/api/internal/analysis"
)

const (
	TransportREST = "rest"
	TransportSDK  = "sdk"
)

type Options struct {
	Transport string
	APIKey    string
	Model     string
	BaseURL   string
	// RPS throttles the REST transport; ignored by the SDK.
	RPS     float64
	Timeout time.Duration
}

// NewGenerator builds the configured transport. The returned func releases it.
func NewGenerator(ctx context.Context, opts Options) (analysis.Generator, func(), error) {
	switch strings.ToLower(strings.TrimSpace(opts.Transport)) {
	case "", TransportREST:
		return NewREST(opts.APIKey, opts.Model, opts.BaseURL, opts.RPS, opts.Timeout), func() {}, nil
	case TransportSDK:
		sdk, err := NewSDK(ctx, opts.APIKey, opts.Model)
		if err != nil {
			return nil, nil, err
		}
		return sdk, func() { _ = sdk.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown gemini transport %q", opts.Transport)
}
