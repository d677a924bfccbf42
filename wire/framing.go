package wire

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/twinproto/twinterp/wireerr"
)

// MaxFrameLen is the largest payload a frame header can describe: 2^32-1.
const MaxFrameLen = 0xFFFFFFFF

const lenHeaderSize = 8

// ErrFrameTooLarge is returned by WriteFrame when msg exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("wire: frame payload exceeds 8-hex-digit length limit")

// WriteFrame writes msg to w prefixed with an 8-character uppercase-hex
// length header, per the spec's socket-transport framing. It does not
// serialize concurrent writers; callers must hold whatever write lock
// guards w.
func WriteFrame(w io.Writer, msg []byte) error {
	if uint64(len(msg)) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	header := fmt.Sprintf("%08X", len(msg))
	if _, err := io.WriteString(w, header); err != nil {
		return errors.Wrap(TranslateIOError(err), "wire: writing frame header")
	}
	if len(msg) > 0 {
		if _, err := w.Write(msg); err != nil {
			return errors.Wrap(TranslateIOError(err), "wire: writing frame payload")
		}
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed frame from r. It does not
// serialize concurrent readers; callers must ensure r has a single reader.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [lenHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, TranslateIOError(err)
	}
	length, err := parseHexLen(header[:])
	if err != nil {
		return nil, errors.Wrap(wireerr.ErrProtocol, err.Error())
	}
	if length == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, TranslateIOError(err)
	}
	return buf, nil
}

func parseHexLen(header []byte) (uint64, error) {
	var n uint64
	for _, c := range header {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= uint64(c - '0')
		case c >= 'A' && c <= 'F':
			n |= uint64(c-'A') + 10
		case c >= 'a' && c <= 'f':
			n |= uint64(c-'a') + 10
		default:
			return 0, fmt.Errorf("invalid frame length header %q", header)
		}
	}
	return n, nil
}
