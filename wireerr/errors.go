// Package wireerr defines the error taxonomy shared by every twinterp
// package that touches the wire: transport, codec, kernel, handler, and
// master all classify failures into one of these buckets (spec §7).
package wireerr

import "github.com/pkg/errors"

// ErrChannelClosed means the peer end of a transport closed, or a framing
// read hit EOF / a bad file descriptor. Outstanding requests on the
// affected kernel.Client fail with this error; new requests refuse
// immediately.
var ErrChannelClosed = errors.New("wire: channel terminated")

// ErrProtocol marks a frame whose length header is not valid hex;
// wire.ReadFrame returns it wrapped, and a kernel.Server that reads it
// stops with a non-zero exit code. An unknown directive code or an
// undecodable directive is reported through the handler's own error
// rather than this sentinel. A reply whose request id matches no
// in-flight caller is logged and dropped by kernel.Client; it does not
// stop anything.
var ErrProtocol = errors.New("wire: internal protocol error")

// ErrInstanceNotTracked means a directive named an instance that is no
// longer present in the request handler's keep-alive table. It is surfaced
// to the remote caller as a payload exception, never fatal.
var ErrInstanceNotTracked = errors.New("wire: instance not in keep-alive table")

// ErrTwinterpreterUnavailable is returned synchronously by
// master.Master.Execute once the master has begun or completed Destroy.
// kernel.Dispatcher calls made after the channel has closed fail with
// ErrChannelClosed instead.
var ErrTwinterpreterUnavailable = errors.New("wire: twinterpreter unavailable")

// IsChannelClosed reports whether err is, or wraps, ErrChannelClosed.
func IsChannelClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}
