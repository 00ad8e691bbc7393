package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum encoded size before compression is considered.
	// Reports for a clean store are a few hundred bytes; large ones list every removed file.
	CompressionThreshold = 1024

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

// Record encodings, stored as the first byte of every value.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed record exceeds maximum size")

	// ErrUnknownEncoding is returned for a record with an unrecognised encoding byte.
	ErrUnknownEncoding = errors.New("unknown record encoding")
)

// codec encodes entries as JSON, compressing with zstd when it pays off.
// Encoder and decoder are goroutine-safe and can be reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode marshals e and prefixes it with its encoding byte.
func (c *codec) Encode(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling entry: %w", err)
	}

	identity := append([]byte{encodingIdentity}, data...)
	if len(data) < CompressionThreshold {
		return identity, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return identity, nil
	}

	compressed := enc.EncodeAll(data, []byte{encodingZstd})
	if len(compressed) >= len(identity) {
		return identity, nil
	}
	return compressed, nil
}

// Decode reverses Encode.
func (c *codec) Decode(value []byte) (*Entry, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrUnknownEncoding)
	}

	data := value[1:]
	switch value[0] {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing record: %w", err)
		}
		if len(decompressed) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, value[0])
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return &e, nil
}
