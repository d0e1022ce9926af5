package proxy

import (
	"context"
	"log/slog"
)

// Debug logs every package on one line and forwards it unchanged.
// Upstream errors pass through untouched.
func Debug(log *slog.Logger) Handler {
	return HandlerFunc(func(in Stream) Stream {
		return StreamFunc(func(ctx context.Context) (*Package, error) {
			p, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}

			log.Info("package",
				"kind", p.Kind,
				"from", p.From,
				"seq", p.Seq,
				"size", len(p.Payload),
				"flags", p.Flags,
			)

			return deliver(ctx, p)
		})
	})
}
