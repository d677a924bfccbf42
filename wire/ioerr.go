package wire

import (
	"errors"
	"io"
	"io/fs"
	"net"
	"syscall"

	"github.com/twinproto/twinterp/wireerr"
)

// TranslateIOError maps an error observed on a transport's underlying
// reader/writer to wireerr.ErrChannelClosed when it represents the peer
// going away (EOF, a closed file descriptor, a closed net.Conn), and passes
// through anything else unchanged.
func TranslateIOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return wireerr.ErrChannelClosed
	}
	if errors.Is(err, fs.ErrClosed) || errors.Is(err, net.ErrClosed) {
		return wireerr.ErrChannelClosed
	}
	if errors.Is(err, syscall.EBADF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return wireerr.ErrChannelClosed
	}
	return err
}
