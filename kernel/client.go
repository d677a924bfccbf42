package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/share"
	"github.com/twinproto/twinterp/wire"
	"github.com/twinproto/twinterp/wireerr"
)

// inFlight is what a Client parks per outstanding RunRequest call: a
// channel the reader goroutine signals exactly once, with either a reply
// or a terminal error.
type inFlight struct {
	replyCh chan protocol.Reply
	errCh   chan error
}

// Client sends directives over a transport and matches replies back to
// their caller. A single background goroutine owns the transport's read
// half; RunRequest blocks the calling goroutine until its reply (or
// channel termination) arrives, mirroring the source runtime's
// thread-blocks-on-latch behaviour without a stable thread identity to key
// on (DESIGN.md Open Question: request ids replace thread ids).
type Client struct {
	transport wire.Transport
	codec     *codec.Codec
	log       share.Logger
	writeLock *sync.Mutex

	reqSeq int64

	mu        sync.Mutex
	pending   map[protocol.RequestID]*inFlight
	terminated bool
	termErr   error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Transport wire.Transport
	Codec     *codec.Codec
	Logger    share.Logger
	// WriteLock, if non-nil, is shared with a Server over the same
	// transport (see kernel.Config.WriteLock).
	WriteLock *sync.Mutex
}

// NewClient builds a standalone Client and starts its own reader goroutine.
// Use this when the Client owns its transport's read side outright (no
// Server sharing it).
func NewClient(cfg ClientConfig) *Client {
	c := newClient(cfg)
	go c.readLoop()
	return c
}

// NewPairedClient builds a Client that does not read the transport itself:
// a Server sharing the same transport (a full-duplex master/twin pair) owns
// the single reader and feeds this Client's replies to it via deliver, per
// wire.Transport's one-reader invariant. Pair it with Server.SetPeerClient.
func NewPairedClient(cfg ClientConfig) *Client {
	return newClient(cfg)
}

func newClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = share.NewLogger("kernel.client", share.LogLevelInfo)
	}
	lock := cfg.WriteLock
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Client{
		transport: cfg.Transport,
		codec:     cfg.Codec,
		log:       log,
		writeLock: lock,
		pending:   make(map[protocol.RequestID]*inFlight),
	}
}

func (c *Client) nextRequestID() protocol.RequestID {
	n := atomic.AddInt64(&c.reqSeq, 1)
	return protocol.RequestID(fmt.Sprintf("c%d", n))
}

// RunRequest sends a directive and blocks until its matching reply
// arrives or the channel terminates.
func (c *Client) RunRequest(d protocol.Directive, payload any) (protocol.Reply, error) {
	id := c.nextRequestID()
	data, err := c.codec.EncodeRequest(id, d, payload)
	if err != nil {
		return protocol.Reply{}, err
	}

	slot := &inFlight{replyCh: make(chan protocol.Reply, 1), errCh: make(chan error, 1)}
	if err := c.register(id, slot); err != nil {
		return protocol.Reply{}, err
	}

	if err := c.writeFrame(data); err != nil {
		c.unregister(id)
		return protocol.Reply{}, err
	}

	select {
	case rep := <-slot.replyCh:
		return rep, nil
	case err := <-slot.errCh:
		return protocol.Reply{}, err
	}
}

// RunEvent sends a fire-and-forget directive (empty request id) and does
// not wait for any reply.
func (c *Client) RunEvent(d protocol.Directive, payload any) error {
	data, err := c.codec.EncodeRequest("", d, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

func (c *Client) writeFrame(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return wire.WriteFrame(c.transport.Writer(), data)
}

func (c *Client) register(id protocol.RequestID, slot *inFlight) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return c.termErr
	}
	c.pending[id] = slot
	return nil
}

func (c *Client) unregister(id protocol.RequestID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// readLoop is the client's single reader: it decodes reply envelopes and
// routes each to its caller's inFlight slot. On channel termination it
// releases every outstanding caller with wireerr.ErrChannelClosed (spec
// §4.6's cancellation-on-termination).
func (c *Client) readLoop() {
	for {
		frame, err := wire.ReadFrame(c.transport.Reader())
		if err != nil {
			c.terminate(err)
			return
		}
		rep, err := c.codec.DecodeReplyEnvelope(frame)
		if err != nil {
			c.terminate(err)
			return
		}
		c.deliver(rep)
	}
}

func (c *Client) deliver(rep protocol.Reply) {
	c.mu.Lock()
	slot, ok := c.pending[rep.RequestID]
	if ok {
		delete(c.pending, rep.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.WLogf("kernel: reply for unknown request id %q", rep.RequestID)
		return
	}
	slot.replyCh <- rep
}

func (c *Client) terminate(cause error) {
	if !wireerr.IsChannelClosed(cause) {
		c.log.ELogf("kernel: client read loop error: %v", cause)
	}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.termErr = wireerr.ErrChannelClosed
	pending := c.pending
	c.pending = make(map[protocol.RequestID]*inFlight)
	c.mu.Unlock()

	for _, slot := range pending {
		slot.errCh <- wireerr.ErrChannelClosed
	}
}

// Terminated reports whether the channel has closed.
func (c *Client) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}
