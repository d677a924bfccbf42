package wire

import (
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/prep/socketpair"

	"github.com/twinproto/twinterp/share"
)

// SocketpairTransport is a Transport backed by one half of a UNIX
// socketpair(2), the other half of which is handed to a child process via
// exec.Cmd.ExtraFiles. Framing and byte counting follow the teacher's
// SocketConn.
type SocketpairTransport struct {
	baseTransport
	conn           net.Conn
	extraFileIndex int
	childFile      *os.File // kept alive for the master to pass to ExtraFiles
}

// NewSocketpairPair creates a connected UNIX socketpair for a master about
// to spawn a twin subprocess. It returns the master's own Transport plus
// the *os.File the caller must append to exec.Cmd.ExtraFiles, along with
// the Connector the twin side should be told to use (extraFileIndex is the
// position the caller appends childFile at in ExtraFiles).
func NewSocketpairPair(logger share.Logger, extraFileIndex int) (master *SocketpairTransport, childFile *os.File, connector *Connector, err error) {
	masterConn, childConn, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "wire: creating unix socketpair")
	}
	uc, ok := childConn.(interface{ File() (*os.File, error) })
	if !ok {
		childConn.Close()
		masterConn.Close()
		return nil, nil, nil, errors.New("wire: socketpair child half does not support File()")
	}
	f, err := uc.File()
	if err != nil {
		childConn.Close()
		masterConn.Close()
		return nil, nil, nil, errors.Wrap(err, "wire: duplicating socketpair child fd")
	}
	// The dup'd file has its own lifetime; the original net.Conn half
	// handed to the child is no longer needed in the master process.
	childConn.Close()

	t := &SocketpairTransport{
		baseTransport:  baseTransport{ctorLogger: logger},
		conn:           masterConn,
		extraFileIndex: extraFileIndex,
	}
	return t, f, &Connector{Kind: KindUnixSocketpair, ExtraFileIndex: extraFileIndex}, nil
}

// NewSocketpairTransportFromFile reconstructs the twin side's half of a
// socketpair transport from an inherited file descriptor.
func NewSocketpairTransportFromFile(logger share.Logger, f *os.File) (*SocketpairTransport, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "wire: reconstructing socketpair transport from inherited fd")
	}
	return &SocketpairTransport{
		baseTransport: baseTransport{ctorLogger: logger},
		conn:          conn,
	}, nil
}

func (t *SocketpairTransport) Open() error {
	t.init(t.ctorLogger, "SocketpairTransport")
	return nil
}

// CloseWrite implements share.WriteHalfCloser when the underlying
// connection supports it (a *net.UnixConn half of a socketpair does).
func (t *SocketpairTransport) CloseWrite() error {
	cw, ok := t.conn.(interface{ CloseWrite() error })
	if !ok {
		return errors.New("wire: underlying connection does not support CloseWrite")
	}
	return cw.CloseWrite()
}

func (t *SocketpairTransport) Close() error {
	t.closeStats()
	return TranslateIOError(t.conn.Close())
}

func (t *SocketpairTransport) Reader() io.Reader { return countingReader{t.conn, &t.baseTransport} }
func (t *SocketpairTransport) Writer() io.Writer { return countingWriter{t.conn, &t.baseTransport} }

func (t *SocketpairTransport) Connector() (*Connector, error) {
	return &Connector{Kind: KindUnixSocketpair, ExtraFileIndex: t.extraFileIndex}, nil
}
