// Package audio converts between the capture domain (normalized float32
// samples in [-1, 1]) and the wire domain (signed 16-bit little-endian PCM,
// base64-wrapped when the transport is JSON text frames).
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// CodecConfig controls the encode step.
type CodecConfig struct {
	// NormalizeBlocks rescales each block by its own peak amplitude before
	// quantizing. Block-local, never session-wide: it trades consistent
	// loudness for comparability across blocks.
	NormalizeBlocks bool
}

// Codec quantizes float blocks to PCM16LE and back.
type Codec struct {
	cfg CodecConfig
}

// NewCodec builds a codec with the given policy.
func NewCodec(cfg CodecConfig) *Codec {
	return &Codec{cfg: cfg}
}

// Encode converts one block of normalized samples to PCM16LE bytes.
// Quantization saturates: +1.0 maps to 0x7fff, -1.0 to -0x8000, and values
// beyond the range clamp instead of wrapping.
func (c *Codec) Encode(samples []float32) []byte {
	block := samples
	if c.cfg.NormalizeBlocks {
		block = normalizeBlock(samples)
	}
	out := make([]byte, len(block)*2)
	for i, v := range block {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(v)))
	}
	return out
}

// Decode reconstructs normalized float samples from PCM16LE bytes. A
// trailing odd byte is ignored.
func (c *Codec) Decode(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if s >= 0 {
			out[i] = float32(s) / 0x7fff
		} else {
			out[i] = float32(s) / 0x8000
		}
	}
	return out
}

func quantize(v float32) int16 {
	switch {
	case v >= 1.0:
		return math.MaxInt16
	case v <= -1.0:
		return math.MinInt16
	case v >= 0:
		return int16(v * 0x7fff)
	default:
		return int16(v * 0x8000)
	}
}

func normalizeBlock(samples []float32) []float32 {
	var peak float32
	for _, v := range samples {
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}
	if peak == 0 || peak >= 1.0 {
		return samples
	}
	out := make([]float32, len(samples))
	for i, v := range samples {
		out[i] = v / peak
	}
	return out
}

// EncodeBase64 wraps raw bytes for embedding inside a JSON text frame.
// Binary-frame transport skips this step.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 unwraps a base64 audio payload from a JSON text frame.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
