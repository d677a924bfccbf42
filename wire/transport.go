// Package wire implements the duplex byte-channel transport that carries
// framed kernel messages between a master and its twin (spec §4.1). It
// intentionally does not know about directives, requests, or codecs — it
// consumes and produces opaque length-prefixed frames over whichever
// concrete byte stream a Transport wraps.
package wire

import (
	"fmt"
	"io"
	"os"

	"github.com/twinproto/twinterp/share"
)

// Transport is a duplex byte channel between a master and a twin. Exactly
// one goroutine may call Writer().Write (guarded by the kernel's write
// lock) and exactly one goroutine may call Reader().Read (the kernel's
// single reader) at a time; Transport itself does not serialize access.
type Transport interface {
	// Open establishes the transport's underlying byte streams. It is a
	// no-op for transports built from already-open streams (e.g. Stdio).
	Open() error

	// Close tears down both halves of the transport.
	Close() error

	// Reader returns the read half of the transport. Valid only after Open.
	Reader() io.Reader

	// Writer returns the write half of the transport. Valid only after Open.
	Writer() io.Writer

	// Connector returns a serializable descriptor sufficient for a child
	// process to reconstruct the peer end of this transport.
	Connector() (*Connector, error)

	// NumBytesRead and NumBytesWritten report cumulative traffic, for
	// debug logging.
	NumBytesRead() int64
	NumBytesWritten() int64
}

// ConnectorKind discriminates the concrete transport a Connector describes.
type ConnectorKind string

const (
	// KindStdio reconstructs a transport from the process's own stdin/stdout.
	KindStdio ConnectorKind = "stdio"
	// KindUnixSocketpair reconstructs a transport from an inherited socketpair fd.
	KindUnixSocketpair ConnectorKind = "unixsocketpair"
	// KindFIFOPair reconstructs a transport from a pair of named pipes on disk.
	KindFIFOPair ConnectorKind = "fifopair"
)

// Connector is a pickleable-in-spirit descriptor: a discriminated union
// that, passed to Dial, reconstructs the child's half of a Transport
// without needing to serialize a live file descriptor or function value.
// It is carried across the subprocess boundary base64-JSON-encoded on the
// command line (spec §6).
type Connector struct {
	Kind ConnectorKind `json:"kind"`

	// ExtraFileIndex is the index into exec.Cmd.ExtraFiles holding the
	// child's half of a socketpair transport (fd = 3 + ExtraFileIndex in
	// the child). Used when Kind == KindUnixSocketpair.
	ExtraFileIndex int `json:"extraFileIndex,omitempty"`

	// ReadPath/WritePath name the two FIFOs of a KindFIFOPair transport,
	// from this endpoint's point of view (its read path is its peer's
	// write path and vice versa).
	ReadPath  string `json:"readPath,omitempty"`
	WritePath string `json:"writePath,omitempty"`

	// OpensWriteFirst controls FIFO open ordering (spec §4.1): the two
	// ends of a FIFO pair must open in opposite order to avoid deadlock.
	// The master's connector and the twin's connector for the same pair
	// always carry opposite values.
	OpensWriteFirst bool `json:"opensWriteFirst,omitempty"`
}

// Dial reconstructs a Transport from a Connector. extraFiles supplies the
// inherited file descriptors available to this process, in the same order
// as the master's exec.Cmd.ExtraFiles; used only for KindUnixSocketpair.
func Dial(logger share.Logger, c *Connector, extraFiles []*os.File) (Transport, error) {
	switch c.Kind {
	case KindStdio:
		return NewStdioTransport(logger), nil
	case KindUnixSocketpair:
		if c.ExtraFileIndex < 0 || c.ExtraFileIndex >= len(extraFiles) {
			return nil, fmt.Errorf("wire: connector references extra file %d, have %d", c.ExtraFileIndex, len(extraFiles))
		}
		return NewSocketpairTransportFromFile(logger, extraFiles[c.ExtraFileIndex])
	case KindFIFOPair:
		return NewFIFOPairTransport(logger, c.ReadPath, c.WritePath, c.OpensWriteFirst), nil
	default:
		return nil, fmt.Errorf("wire: unknown connector kind %q", c.Kind)
	}
}

// baseTransport centralizes the byte-counting and logging boilerplate
// shared by every concrete Transport, mirroring the teacher's BasicConn.
type baseTransport struct {
	share.Logger
	ctorLogger share.Logger
	name       string
	numRead    share.ByteCounter
	numWritten share.ByteCounter
	stats      share.ConnStats
}

func (b *baseTransport) init(logger share.Logger, name string) {
	if logger == nil {
		logger = share.NewLogger("wire", share.LogLevelInfo)
	}
	b.Logger = logger.Fork("%s", name)
	b.name = name
	b.stats.New()
	b.stats.Open()
}

func (b *baseTransport) countRead(n int)    { b.numRead.Add(int64(n)) }
func (b *baseTransport) countWritten(n int) { b.numWritten.Add(int64(n)) }

func (b *baseTransport) NumBytesRead() int64    { return b.numRead.Load() }
func (b *baseTransport) NumBytesWritten() int64 { return b.numWritten.Load() }

// closeStats records this transport's half of the connection as closed and
// logs final traffic counters, the teacher's debug-log-on-teardown habit.
func (b *baseTransport) closeStats() {
	b.stats.Close()
	b.DLogf("%s closed: read %s, wrote %s (%s)", b.name, &b.numRead, &b.numWritten, &b.stats)
}

func (b *baseTransport) String() string { return b.name }

// countingReader/countingWriter instrument an io.Reader/io.Writer with the
// base transport's byte counters and translate EOF/closed-fd errors to
// wireerr.ErrChannelClosed via TranslateIOError.
type countingReader struct {
	r io.Reader
	b *baseTransport
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.b.countRead(n)
	if err != nil {
		err = TranslateIOError(err)
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	b *baseTransport
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.b.countWritten(n)
	if err != nil {
		err = TranslateIOError(err)
	}
	return n, err
}
