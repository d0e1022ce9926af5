package proxy

import (
	"log/slog"
	"time"

	"txflow/internal/metrics"
)

// Config selects the stages of an inbound chain.
type Config struct {
	Debug    bool          // Debug logs every accepted package
	DropRate float64       // DropRate simulates message loss when > 0
	Seed     uint64        // Seed makes DropRate reproducible
	DedupTTL time.Duration // DedupTTL enables digest deduplication when > 0
	Extra    []Handler     // Extra stages run after the fault stages
}

// Build assembles the inbound chain in fixed order:
// count(received), decompress, dedup, drop, extra stages, debug, count(accepted).
func Build(cfg Config, log *slog.Logger, m *metrics.Metrics) Handler {
	stages := []Handler{
		Count(m, "received"),
		Decompress(),
	}

	if cfg.DedupTTL > 0 {
		stages = append(stages, Dedup(cfg.DedupTTL))
	}

	if cfg.DropRate > 0 {
		stages = append(stages, DropRate(cfg.DropRate, cfg.Seed))
	}

	stages = append(stages, cfg.Extra...)

	if cfg.Debug {
		stages = append(stages, Debug(log.With("stage", "debug")))
	}

	stages = append(stages, Count(m, "accepted"))

	return Compose(stages...)
}
