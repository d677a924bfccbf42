package codec

import (
	"encoding/json"
	"fmt"

	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/wire"
)

// ExchangeHello performs the one-shot preflight handshake (spec §4.2):
// a Hello frame is written in the bare, uncompressed codec before either
// side commits to a negotiated wire format, mirroring the client/server
// version check the teacher performs before ever tunneling a byte (see
// share.client's initial SessionConfigRequest exchange). The local Hello
// is sent first so a corked pipe transport cannot deadlock both ends
// trying to read before writing.
func ExchangeHello(t wire.Transport, local protocol.Hello) (protocol.Hello, error) {
	out, err := json.Marshal(local)
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("codec: marshal hello: %w", err)
	}
	if err := wire.WriteFrame(t.Writer(), out); err != nil {
		return protocol.Hello{}, fmt.Errorf("codec: write hello: %w", err)
	}
	in, err := wire.ReadFrame(t.Reader())
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("codec: read hello: %w", err)
	}
	var remote protocol.Hello
	if err := json.Unmarshal(in, &remote); err != nil {
		return protocol.Hello{}, fmt.Errorf("codec: unmarshal hello: %w", err)
	}
	return remote, nil
}
