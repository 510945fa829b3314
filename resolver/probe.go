package resolver

import (
	"context"
	"net/http"

	"go.pdpstore.dev/synapse/pdp"
)

// A Prober checks whether a provider endpoint is alive.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func(ctx context.Context, endpoint string) error

// Probe implements Prober.
func (fn ProberFunc) Probe(ctx context.Context, endpoint string) error {
	return fn(ctx, endpoint)
}

// PingProber probes endpoints with a HEAD request through c.
func PingProber(c *http.Client) Prober {
	return ProberFunc(func(ctx context.Context, endpoint string) error {
		return pdp.New(endpoint, pdp.WithHTTPClient(c)).Ping(ctx)
	})
}
