package proxy

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
)

// Drop discards packages matching pred.
func Drop(pred func(*Package) bool) Handler {
	return HandlerFunc(func(in Stream) Stream {
		return StreamFunc(func(ctx context.Context) (*Package, error) {
			for {
				p, err := in.Next(ctx)
				if err != nil {
					return nil, err
				}

				if !pred(p) {
					return deliver(ctx, p)
				}
			}
		})
	})
}

// DropRate discards each package with probability rate. The same seed
// drops the same positions.
func DropRate(rate float64, seed uint64) Handler {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	return Drop(func(*Package) bool {
		mu.Lock()
		defer mu.Unlock()

		return rng.Float64() < rate
	})
}

// Duplicate emits every package matching pred twice. The second copy is a
// clone delivered on the following call.
func Duplicate(pred func(*Package) bool) Handler {
	return HandlerFunc(func(in Stream) Stream {
		var again *Package

		return StreamFunc(func(ctx context.Context) (*Package, error) {
			if again != nil {
				p := again
				again = nil
				return deliver(ctx, p)
			}

			p, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}

			if pred(p) {
				again = p.Clone()
			}

			return deliver(ctx, p)
		})
	})
}

// Tamper replaces packages matching pred with a mutated clone.
func Tamper(pred func(*Package) bool, mutate func(*Package)) Handler {
	return HandlerFunc(func(in Stream) Stream {
		return StreamFunc(func(ctx context.Context) (*Package, error) {
			p, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}

			if pred(p) {
				p = p.Clone()
				mutate(p)
			}

			return deliver(ctx, p)
		})
	})
}

// FlipPayloadBit is a Tamper mutation that corrupts the last payload byte.
func FlipPayloadBit(p *Package) {
	if len(p.Payload) > 0 {
		p.Payload[len(p.Payload)-1] ^= 0x01
	}
}

// Reorder buffers up to window packages and emits each full window in
// reverse. A partial window is flushed, also reversed, when the input ends.
// Holding packages only means pulling more input; nothing blocks in between.
func Reorder(window int) Handler {
	if window < 2 {
		return Identity()
	}

	return HandlerFunc(func(in Stream) Stream {
		var (
			buf []*Package // pending, in arrival order
			out []*Package // ready, next at the end
			eof bool
		)

		return StreamFunc(func(ctx context.Context) (*Package, error) {
			for len(out) == 0 {
				if eof {
					return nil, io.EOF
				}

				p, err := in.Next(ctx)
				switch {
				case err == nil:
					buf = append(buf, p)
					if len(buf) < window {
						continue
					}
				case errors.Is(err, io.EOF):
					eof = true
				default:
					return nil, err
				}

				// out pops from the end
				out, buf = buf, nil
			}

			p := out[len(out)-1]
			out = out[:len(out)-1]
			return deliver(ctx, p)
		})
	})
}
