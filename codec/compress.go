package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressing is a zstd Pack/Unpack helper for whole encoded frames (not
// the individual payload fields). Frames shorter than the threshold given
// to NewCompressing go out uncompressed behind a single marker byte, so
// the cost of checking never exceeds a few bytes per message (spec §4.2
// leaves the wire format's binary framing open; this is the concrete
// choice). Codec and the kernel do not apply it themselves: a caller packs
// and unpacks frames with it explicitly.
type Compressing struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

const (
	frameRaw        byte = 0
	frameCompressed byte = 1
)

// NewCompressing builds a Compressing wrapper. threshold is the minimum
// frame size, in bytes, before compression is attempted; frames smaller
// than threshold are always sent raw since zstd's own header overhead can
// exceed the savings on tiny payloads.
func NewCompressing(threshold int) (*Compressing, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("codec: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("codec: new zstd decoder: %w", err)
	}
	return &Compressing{threshold: threshold, encoder: enc, decoder: dec}, nil
}

// Pack prefixes frame with a one-byte marker, compressing it first if it
// clears the configured threshold.
func (z *Compressing) Pack(frame []byte) []byte {
	if len(frame) < z.threshold {
		return append([]byte{frameRaw}, frame...)
	}
	compressed := z.encoder.EncodeAll(frame, make([]byte, 0, len(frame)))
	if len(compressed) >= len(frame) {
		return append([]byte{frameRaw}, frame...)
	}
	return append([]byte{frameCompressed}, compressed...)
}

// Unpack reverses Pack.
func (z *Compressing) Unpack(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("codec: empty framed message")
	}
	marker, body := framed[0], framed[1:]
	switch marker {
	case frameRaw:
		return body, nil
	case frameCompressed:
		out, err := z.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown frame marker %d", marker)
	}
}

// Close releases the encoder/decoder's background goroutines.
func (z *Compressing) Close() {
	z.encoder.Close()
	z.decoder.Close()
}
