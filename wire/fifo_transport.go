package wire

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/twinproto/twinterp/share"
)

// FIFOPairTransport is a Transport backed by two named pipes on disk, one
// per direction. Spec §4.1: opening a FIFO pair must be ordered opposite
// on the two ends to avoid both sides blocking in open(2) waiting for a
// reader/writer that itself is waiting on the other FIFO. opensWriteFirst
// picks which of this endpoint's two FIFOs is opened first.
type FIFOPairTransport struct {
	baseTransport
	readPath        string
	writePath       string
	opensWriteFirst bool
	readFile        *os.File
	writeFile       *os.File
}

// NewFIFOPairTransport builds one endpoint of a FIFO pair. Both named
// pipes must already exist (created with MakeFIFOPair) before either end
// calls Open.
func NewFIFOPairTransport(logger share.Logger, readPath, writePath string, opensWriteFirst bool) *FIFOPairTransport {
	return &FIFOPairTransport{
		baseTransport:   baseTransport{ctorLogger: logger},
		readPath:        readPath,
		writePath:       writePath,
		opensWriteFirst: opensWriteFirst,
	}
}

// MakeFIFOPair creates the two named pipes a FIFOPairTransport pair will
// share, e.g. "<dir>/m2t" (master-to-twin) and "<dir>/t2m" (twin-to-master).
func MakeFIFOPair(pathA, pathB string) error {
	for _, p := range []string{pathA, pathB} {
		if err := unix.Mkfifo(p, 0o600); err != nil && !os.IsExist(err) {
			return errors.Wrapf(err, "wire: creating fifo %s", p)
		}
	}
	return nil
}

func (t *FIFOPairTransport) Open() error {
	t.init(t.ctorLogger, "FIFOPairTransport")
	openWrite := func() error {
		f, err := os.OpenFile(t.writePath, os.O_WRONLY, 0)
		if err != nil {
			return errors.Wrapf(err, "wire: opening fifo %s for write", t.writePath)
		}
		t.writeFile = f
		return nil
	}
	openRead := func() error {
		f, err := os.OpenFile(t.readPath, os.O_RDONLY, 0)
		if err != nil {
			return errors.Wrapf(err, "wire: opening fifo %s for read", t.readPath)
		}
		t.readFile = f
		return nil
	}
	if t.opensWriteFirst {
		if err := openWrite(); err != nil {
			return err
		}
		return openRead()
	}
	if err := openRead(); err != nil {
		return err
	}
	return openWrite()
}

// CloseWrite implements share.WriteHalfCloser: it closes this endpoint's
// write FIFO without touching its read half, so a server that has just
// stopped serving can signal end-of-stream while a caller still drains a
// reply already in flight.
func (t *FIFOPairTransport) CloseWrite() error {
	if t.writeFile == nil {
		return nil
	}
	err := t.writeFile.Close()
	t.writeFile = nil
	return err
}

func (t *FIFOPairTransport) Close() error {
	defer t.closeStats()
	var errRead, errWrite error
	if t.readFile != nil {
		errRead = t.readFile.Close()
	}
	if t.writeFile != nil {
		errWrite = t.writeFile.Close()
	}
	if errRead != nil {
		return errRead
	}
	return errWrite
}

func (t *FIFOPairTransport) Reader() io.Reader { return countingReader{t.readFile, &t.baseTransport} }
func (t *FIFOPairTransport) Writer() io.Writer { return countingWriter{t.writeFile, &t.baseTransport} }

func (t *FIFOPairTransport) Connector() (*Connector, error) {
	return &Connector{
		Kind:            KindFIFOPair,
		ReadPath:        t.readPath,
		WritePath:       t.writePath,
		OpensWriteFirst: t.opensWriteFirst,
	}, nil
}
