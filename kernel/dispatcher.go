package kernel

import (
	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/protocol"
)

// Dispatcher exposes the high-level verbs a proxy or master uses instead
// of talking to Client and Codec directly (spec §4.6).
type Dispatcher struct {
	client *Client
	codec  *codec.Codec
}

// NewDispatcher builds a Dispatcher over an already-running Client.
func NewDispatcher(client *Client, c *codec.Codec) *Dispatcher {
	return &Dispatcher{client: client, codec: c}
}

// DispatchCall invokes a free function by name.
func (d *Dispatcher) DispatchCall(name string, args []any, kwargs map[string]any) (any, error) {
	return d.run(protocol.CallFunc, protocol.CallFuncPayload{Callable: name, Args: args, Kwargs: kwargs})
}

// DispatchMethodCall invokes a method on subject.
func (d *Dispatcher) DispatchMethodCall(subject any, name string, args []any, kwargs map[string]any) (any, error) {
	return d.run(protocol.CallMethod, protocol.CallMethodPayload{Subject: subject, Name: name, Args: args, Kwargs: kwargs})
}

// GetAttribute reads a named attribute off subject.
func (d *Dispatcher) GetAttribute(subject any, name string) (any, error) {
	return d.run(protocol.GetAttribute, protocol.AttributePayload{Subject: subject, Name: name})
}

// SetAttribute writes a named attribute on subject.
func (d *Dispatcher) SetAttribute(subject any, name string, value any) error {
	_, err := d.run(protocol.SetAttribute, protocol.SetAttributePayload{Subject: subject, Name: name, Value: value})
	return err
}

// DelAttribute deletes a named attribute on subject.
func (d *Dispatcher) DelAttribute(subject any, name string) error {
	_, err := d.run(protocol.DelAttribute, protocol.AttributePayload{Subject: subject, Name: name})
	return err
}

// InstantiateClass constructs a new instance of a registered class and
// returns the bare reference to it, bypassing the usual reply-decoding
// path: unlike every other verb's return value, this one must not be
// materialized into a proxy here, since the instance already starts with
// one remote ref pre-counted for whatever proxy the caller builds from the
// reference (spec §5).
func (d *Dispatcher) InstantiateClass(class ident.ClassKey, args []any, kwargs map[string]any) (ident.Reference, error) {
	rep, err := d.client.RunRequest(protocol.Instantiate, protocol.InstantiatePayload{Class: class, Args: args, Kwargs: kwargs})
	if err != nil {
		return ident.Reference{}, err
	}
	if rep.Status == protocol.Exception {
		pe, err := d.codec.DecodePayloadError(rep.Body)
		if err != nil {
			return ident.Reference{}, err
		}
		return ident.Reference{}, protocol.Reify(pe)
	}
	return d.codec.DecodeInstantiateResult(rep.Body)
}

// IncrementInstanceRef sends ref_incr for an instance a proxy is about to
// start holding (e.g. rehydrated from an incoming reference).
func (d *Dispatcher) IncrementInstanceRef(instance any) error {
	_, err := d.run(protocol.RefIncr, protocol.RefCountPayload{Instance: instance})
	return err
}

// DecrementInstanceRef sends ref_decr for an instance a proxy is about to
// release (typically from a finalizer). Per spec §7, a failure here
// (channel already terminated) is the caller's to swallow, not this
// method's; it still returns the error so a caller that cares can log it.
func (d *Dispatcher) DecrementInstanceRef(instance any) error {
	_, err := d.run(protocol.RefDecr, protocol.RefCountPayload{Instance: instance})
	return err
}

// ShutdownPeer sends the termination control event. It does not wait for
// a reply since Terminate is fire-and-forget by design.
func (d *Dispatcher) ShutdownPeer(message string, exitCode int) error {
	return d.client.RunEvent(protocol.Terminate, protocol.TerminationEvent{Message: message, ExitCode: exitCode})
}

func (d *Dispatcher) run(directive protocol.Directive, payload any) (any, error) {
	rep, err := d.client.RunRequest(directive, payload)
	if err != nil {
		return nil, err
	}
	if rep.Status == protocol.Exception {
		pe, err := d.codec.DecodePayloadError(rep.Body)
		if err != nil {
			return nil, err
		}
		return nil, protocol.Reify(pe)
	}
	return d.codec.DecodeValue(rep.Body)
}
