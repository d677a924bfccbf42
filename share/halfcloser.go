package share

// WriteHalfCloser is implemented by transports that can shut down their
// write half independently of their read half (e.g. net.TCPConn.CloseWrite,
// an os.File half of a pipe). The kernel server calls it once it stops
// serving (on StopTwinterpreter or a handler invariant error) to signal
// end-of-stream to its peer without tearing down a reply that is still in
// flight.
type WriteHalfCloser interface {
	CloseWrite() error
}
