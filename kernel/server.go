// Package kernel runs the request/reply loop on both ends of a twinterp
// transport: Server reads directives and feeds a handler; Client and
// Dispatcher send directives and wait for replies (spec §4.4, §4.5).
package kernel

import (
	"errors"
	"sync"

	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/handler"
	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/share"
	"github.com/twinproto/twinterp/wire"
	"github.com/twinproto/twinterp/wireerr"
)

// Flavour selects one of the three request-processing strategies a Server
// can run (spec §4.5).
type Flavour int

const (
	// Single processes one request at a time on the reader goroutine; no
	// recursion is possible (a nested call from inside a handler deadlocks).
	Single Flavour = iota
	// Async spawns one goroutine per request.
	Async
	// Pool runs a bounded worker pool fed by a single pending-request queue.
	Pool
)

// Server owns a transport's read side: it reads one request, hands it to
// the configured Handler, and writes one reply, serializing writes against
// any other writer sharing the same transport (a Client on the same
// Kernel, for a full-duplex master<->twin pair) via writeLock.
type Server struct {
	transport wire.Transport
	codec     *codec.Codec
	handler   *handler.Handler
	log       share.Logger
	writeLock *sync.Mutex
	flavour   Flavour
	poolSize  int

	// peer is a Client sharing this server's transport in a full-duplex
	// master/twin pair. When set, readOne demuxes reply-shaped frames to
	// it instead of trying to decode them as requests, so only this
	// server's reader goroutine ever touches the transport's read half.
	peer *Client
}

// Config configures a Server.
type Config struct {
	Transport wire.Transport
	Codec     *codec.Codec
	Handler   *handler.Handler
	Logger    share.Logger
	// WriteLock, if non-nil, is shared with a Client over the same
	// transport so requests and replies never interleave mid-frame. A
	// server run standalone may leave this nil; the New*Server constructors
	// then allocate one.
	WriteLock *sync.Mutex
	PoolSize  int
}

// NewSingleServer builds a Server using the Single flavour.
func NewSingleServer(cfg Config) *Server { return newServer(cfg, Single) }

// NewAsyncServer builds a Server using the Async flavour.
func NewAsyncServer(cfg Config) *Server { return newServer(cfg, Async) }

// NewPoolServer builds a Server using the Pool flavour. A cfg.PoolSize of
// zero or less defaults to 4.
func NewPoolServer(cfg Config) *Server { return newServer(cfg, Pool) }

func newServer(cfg Config, flavour Flavour) *Server {
	log := cfg.Logger
	if log == nil {
		log = share.NewLogger("kernel.server", share.LogLevelInfo)
	}
	lock := cfg.WriteLock
	if lock == nil {
		lock = &sync.Mutex{}
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Server{
		transport: cfg.Transport,
		codec:     cfg.Codec,
		handler:   cfg.Handler,
		log:       log,
		writeLock: lock,
		flavour:   flavour,
		poolSize:  poolSize,
	}
}

// WriteLock returns the mutex this server serializes frame writes under,
// so a Client sharing the same transport (a full-duplex master/twin pair)
// can be built with the same lock.
func (s *Server) WriteLock() *sync.Mutex { return s.writeLock }

// SetPeerClient wires a Client built with NewPairedClient over this
// server's transport. Once set, this server's single reader goroutine
// demuxes reply-shaped frames to the client and request-shaped frames to
// its own handler, honoring wire.Transport's "exactly one reader" rule for
// a full-duplex master/twin pair. Must be called before Run.
func (s *Server) SetPeerClient(c *Client) { s.peer = c }

// Run reads requests until the transport closes or the handler raises
// protocol.StopTwinterpreter, returning the resulting exit code. A clean
// EOF/channel-terminated condition returns exit code 0 and a nil error;
// any other read/decode error returns a non-zero code and that error. If a
// peer Client is wired, it is released with a channel-closed error once
// this loop stops, the same way its own readLoop would release it.
func (s *Server) Run() (exitCode int, err error) {
	defer func() {
		if s.peer != nil {
			s.peer.terminate(wireerr.ErrChannelClosed)
		}
	}()
	switch s.flavour {
	case Single:
		return s.runSingle()
	case Async:
		return s.runAsync()
	case Pool:
		return s.runPool()
	default:
		return 1, errors.New("kernel: unknown server flavour")
	}
}

func (s *Server) runSingle() (int, error) {
	for {
		req, ok, code, err := s.readOne()
		if !ok {
			return code, err
		}
		if stop := s.process(req); stop != nil {
			return stop.ExitCode, nil
		}
	}
}

func (s *Server) runAsync() (int, error) {
	var wg sync.WaitGroup
	stopCode := make(chan int, 1)
	for {
		req, ok, code, err := s.readOne()
		if !ok {
			wg.Wait()
			select {
			case c := <-stopCode:
				return c, nil
			default:
				return code, err
			}
		}
		wg.Add(1)
		go func(req protocol.Request) {
			defer wg.Done()
			if stop := s.process(req); stop != nil {
				select {
				case stopCode <- stop.ExitCode:
				default:
				}
			}
		}(req)
	}
}

func (s *Server) runPool() (int, error) {
	pool := newWorkerPool(s.poolSize, s.process)
	for {
		req, ok, code, err := s.readOne()
		if !ok {
			exitCode := pool.drain()
			if exitCode != nil {
				return *exitCode, nil
			}
			return code, err
		}
		pool.submit(req)
	}
}

// readOne reads and decodes one request envelope, transparently forwarding
// any reply-shaped frames to a paired Client along the way (see
// SetPeerClient). ok is false when the read loop should stop; code/err are
// then the Run() return values.
func (s *Server) readOne() (req protocol.Request, ok bool, code int, err error) {
	for {
		frame, rerr := wire.ReadFrame(s.transport.Reader())
		if rerr != nil {
			if wireerr.IsChannelClosed(rerr) {
				return protocol.Request{}, false, 0, nil
			}
			return protocol.Request{}, false, 1, rerr
		}
		if s.peer != nil {
			isReply, cerr := s.codec.ClassifyFrame(frame)
			if cerr != nil {
				return protocol.Request{}, false, 1, cerr
			}
			if isReply {
				rep, derr := s.codec.DecodeReplyEnvelope(frame)
				if derr != nil {
					return protocol.Request{}, false, 1, derr
				}
				s.peer.deliver(rep)
				continue
			}
		}
		req, derr := s.codec.DecodeRequestEnvelope(frame)
		if derr != nil {
			return protocol.Request{}, false, 1, derr
		}
		return req, true, 0, nil
	}
}

// process dispatches req to the handler and writes its reply (unless req
// is an event). It returns a non-nil *protocol.StopTwinterpreter if the
// handler raised one; the caller's Run loop then stops serving.
func (s *Server) process(req protocol.Request) *protocol.StopTwinterpreter {
	rep, err := s.handler.Handle(req)
	if err != nil {
		var stop *protocol.StopTwinterpreter
		if errors.As(err, &stop) {
			s.closeWriteHalf()
			return stop
		}
		s.log.ELogf("kernel: handler invariant error: %v", err)
		s.closeWriteHalf()
		return &protocol.StopTwinterpreter{ExitCode: 1, Message: err.Error()}
	}
	if req.IsEvent() {
		return nil
	}
	if err := s.writeReply(rep); err != nil {
		s.log.ELogf("kernel: write reply: %v", err)
	}
	return nil
}

// closeWriteHalf signals end-of-stream on the server's write direction, if
// the transport supports it, once it has decided to stop serving: a peer
// still reading a reply already in flight sees a clean EOF on its read
// half instead of the whole channel vanishing mid-frame.
func (s *Server) closeWriteHalf() {
	if wc, ok := s.transport.(share.WriteHalfCloser); ok {
		if err := wc.CloseWrite(); err != nil {
			s.log.DLogf("kernel: close write half: %v", err)
		}
	}
}

func (s *Server) writeReply(rep protocol.Reply) error {
	data, err := s.codec.EncodeReplyEnvelope(rep)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return wire.WriteFrame(s.transport.Writer(), data)
}
