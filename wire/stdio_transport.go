package wire

import (
	"io"
	"os"

	"github.com/twinproto/twinterp/share"
)

// StdioTransport wraps a pair of already-open streams as a Transport. In
// the twin process this is os.Stdin/os.Stdout; in the master process this
// is the spawned subprocess's Stdin/Stdout pipes (in the opposite roles).
// It never closes os.Stdin/os.Stdout themselves when built via
// NewStdioTransport, only externally supplied ReadClosers/WriteClosers via
// NewStdioTransportFrom.
type StdioTransport struct {
	baseTransport
	input  io.ReadCloser
	output io.WriteCloser
	owned  bool
}

// NewStdioTransport builds a StdioTransport over this process's own
// standard streams, for use in the twin subprocess.
func NewStdioTransport(logger share.Logger) *StdioTransport {
	return &StdioTransport{
		baseTransport: baseTransport{ctorLogger: logger},
		input:         os.Stdin,
		output:        os.Stdout,
	}
}

// NewStdioTransportFrom builds a StdioTransport over externally supplied
// streams, for use by the master wrapping a subprocess's pipes.
func NewStdioTransportFrom(logger share.Logger, input io.ReadCloser, output io.WriteCloser) *StdioTransport {
	return &StdioTransport{
		baseTransport: baseTransport{ctorLogger: logger},
		input:         input,
		output:        output,
		owned:         true,
	}
}

func (t *StdioTransport) Open() error {
	t.init(t.ctorLogger, "StdioTransport")
	return nil
}

func (t *StdioTransport) Close() error {
	t.closeStats()
	if !t.owned {
		return nil
	}
	errIn := t.input.Close()
	errOut := t.output.Close()
	if errIn != nil {
		return errIn
	}
	return errOut
}

func (t *StdioTransport) Reader() io.Reader { return countingReader{t.input, &t.baseTransport} }
func (t *StdioTransport) Writer() io.Writer { return countingWriter{t.output, &t.baseTransport} }

func (t *StdioTransport) Connector() (*Connector, error) {
	return &Connector{Kind: KindStdio}, nil
}
