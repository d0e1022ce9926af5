package proxy

import (
	"context"

	"txflow/internal/metrics"
)

// Count increments the per-stage package counter for every package that
// passes. Use it between stages to observe drop rates.
func Count(m *metrics.Metrics, stage string) Handler {
	return HandlerFunc(func(in Stream) Stream {
		return StreamFunc(func(ctx context.Context) (*Package, error) {
			p, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}

			m.Package(stage)
			return deliver(ctx, p)
		})
	})
}
