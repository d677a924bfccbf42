package protocol

import "fmt"

// StopTwinterpreter is raised by a request handler, not returned as a
// payload exception, when it consumes a Terminate control event (spec §6).
// A kernel server's read loop recognizes it with errors.As, exits its
// accept loop, and reports ExitCode to whatever started the server.
type StopTwinterpreter struct {
	ExitCode int
	Message  string
}

func (s *StopTwinterpreter) Error() string {
	return fmt.Sprintf("twinterpreter stopped (exit %d): %s", s.ExitCode, s.Message)
}
