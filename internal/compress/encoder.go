package compress

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/albertbausili/conduit/internal/resource"
)

// Default levels used when Policy.Level is 0. Streaming favours speed.
const (
	defaultBrotliLevel = 4
	defaultGzipLevel   = 6
	defaultZstdLevel   = 3
)

// NewEncoder returns a streaming encoder for enc writing to w.
func NewEncoder(enc Encoding, w io.Writer, level int) (resource.Encoder, error) {
	switch enc {
	case Brotli:
		if level == 0 {
			level = defaultBrotliLevel
		}
		return brotli.NewWriterLevel(w, clamp(level, brotli.BestSpeed, brotli.BestCompression)), nil
	case Gzip:
		if level == 0 {
			level = defaultGzipLevel
		}
		gz, err := gzip.NewWriterLevel(w, clamp(level, gzip.BestSpeed, gzip.BestCompression))
		if err != nil {
			return nil, err
		}
		return gz, nil
	case Zstd:
		if level == 0 {
			level = defaultZstdLevel
		}
		zw, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(true),
		)
		if err != nil {
			return nil, err
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("compress: unsupported encoding %q", enc)
	}
}

// EncoderFunc binds enc and the policy level for resource.Writer.Start.
func (p *Policy) EncoderFunc(enc Encoding) resource.EncoderFunc {
	level := p.Level
	return func(w io.Writer) (resource.Encoder, error) {
		return NewEncoder(enc, w, level)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
