package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// Frame layout: magic(2) | algo(1) | uncompressed_len(u32 BE) | payload.
const (
	frameMagic  = 0x5343 // "SC"
	frameHeader = 7
)

// Compression algorithm tags. Values are part of the frame format.
const (
	AlgoLZ4    byte = 1
	AlgoGzip   byte = 2
	AlgoBrotli byte = 3
)

// Size thresholds for the encoding policy: lz4 keeps small entries cheap to
// decode, brotli only pays off on large payloads.
const (
	lz4Threshold  = 64 * 1024
	gzipThreshold = 1024 * 1024
)

// Encode compresses buf into a frame, choosing the algorithm by size.
func Encode(buf []byte) ([]byte, error) {
	switch {
	case len(buf) < lz4Threshold:
		return EncodeWith(buf, AlgoLZ4)
	case len(buf) <= gzipThreshold:
		return EncodeWith(buf, AlgoGzip)
	default:
		return EncodeWith(buf, AlgoBrotli)
	}
}

// EncodeWith compresses buf into a frame with an explicit algorithm.
func EncodeWith(buf []byte, algo byte) ([]byte, error) {
	var compressed bytes.Buffer

	switch algo {
	case AlgoLZ4:
		w := lz4.NewWriter(&compressed)
		if _, err := w.Write(buf); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
	case AlgoGzip:
		w := gzip.NewWriter(&compressed)
		if _, err := w.Write(buf); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
	case AlgoBrotli:
		w := brotli.NewWriter(&compressed)
		if _, err := w.Write(buf); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli close: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression algo %d", algo)
	}

	frame := make([]byte, frameHeader+compressed.Len())
	binary.BigEndian.PutUint16(frame[0:2], frameMagic)
	frame[2] = algo
	binary.BigEndian.PutUint32(frame[3:7], uint32(len(buf)))
	copy(frame[frameHeader:], compressed.Bytes())
	return frame, nil
}

// Decode decompresses a frame produced by Encode. It trusts only the algo byte,
// so the size policy can change without breaking stored entries. Returns
// ErrCorruptFrame on bad magic, unknown algo, decompression failure, or a
// length mismatch.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < frameHeader {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", types.ErrCorruptFrame, len(frame))
	}
	if binary.BigEndian.Uint16(frame[0:2]) != frameMagic {
		return nil, fmt.Errorf("%w: bad magic", types.ErrCorruptFrame)
	}

	algo := frame[2]
	wantLen := binary.BigEndian.Uint32(frame[3:7])
	payload := bytes.NewReader(frame[frameHeader:])

	var r io.Reader
	switch algo {
	case AlgoLZ4:
		r = lz4.NewReader(payload)
	case AlgoGzip:
		gz, err := gzip.NewReader(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrCorruptFrame, err)
		}
		defer gz.Close()
		r = gz
	case AlgoBrotli:
		r = brotli.NewReader(payload)
	default:
		return nil, fmt.Errorf("%w: unknown algo %d", types.ErrCorruptFrame, algo)
	}

	out := make([]byte, 0, wantLen)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, io.LimitReader(r, int64(wantLen)+1)); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorruptFrame, err)
	}
	if uint32(buf.Len()) != wantLen {
		return nil, fmt.Errorf("%w: length mismatch (want %d, got %d)", types.ErrCorruptFrame, wantLen, buf.Len())
	}
	return buf.Bytes(), nil
}
