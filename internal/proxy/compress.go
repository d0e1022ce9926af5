package proxy

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// MaxPayloadSize bounds a decompressed payload (16 MB).
const MaxPayloadSize = 16 << 20

// Compress zstd-compresses payloads of packages not yet compressed and sets
// FlagCompressed. The input package is not modified.
func Compress() Handler {
	return HandlerFunc(func(in Stream) Stream {
		return StreamFunc(func(ctx context.Context) (*Package, error) {
			p, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}

			out, err := CompressPackage(p)
			if err != nil {
				return nil, &StageError{Stage: "compress", Package: p, Err: err}
			}

			return deliver(ctx, out)
		})
	})
}

// Decompress reverses Compress. A payload that fails to decode or expands
// beyond MaxPayloadSize is returned as a *StageError carrying the package.
func Decompress() Handler {
	return HandlerFunc(func(in Stream) Stream {
		return StreamFunc(func(ctx context.Context) (*Package, error) {
			p, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}

			out, err := DecompressPackage(p)
			if err != nil {
				return nil, &StageError{Stage: "decompress", Package: p, Err: err}
			}

			return deliver(ctx, out)
		})
	})
}

// CompressPackage returns a compressed copy of p, or p itself if it is
// already compressed.
func CompressPackage(p *Package) (*Package, error) {
	if p.Compressed() {
		return p, nil
	}

	payload, err := compressPayload(p.Payload)
	if err != nil {
		return nil, err
	}

	out := *p
	out.Payload = payload
	out.Flags |= FlagCompressed

	return &out, nil
}

// DecompressPackage returns a decompressed copy of p, or p itself if it is
// not compressed.
func DecompressPackage(p *Package) (*Package, error) {
	if !p.Compressed() {
		return p, nil
	}

	payload, err := decompressPayload(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("decompress payload:\n%w", err)
	}

	out := *p
	out.Payload = payload
	out.Flags &^= FlagCompressed

	return &out, nil
}

func compressPayload(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

func decompressPayload(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
