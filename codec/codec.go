// Package codec turns protocol envelopes and directive payloads into wire
// bytes and back, substituting cross-process references for any tracked
// twin object it finds along the way (spec §4.2, §4.3). It is built on
// jsoniter rather than encoding/json so the hot path of decoding dynamic
// args/kwargs trees avoids the reflection cost the standard library pays
// on every call.
package codec

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/protocol"
)

// Identifiable is implemented by any Go value that stands in for a tracked
// twin object: a local instance handed out by the tracker, or a proxy for
// a remote one. Codec consults it before falling back to plain encoding.
type Identifiable interface {
	TwinReference() (ident.Reference, bool)
}

// Resolver turns a decoded reference back into a Go value: either the
// already-tracked local instance, or a freshly materialized proxy that the
// caller is now responsible for (spec §4.3's two registries).
type Resolver interface {
	Resolve(ref ident.Reference) (any, error)
}

// refKey is the JSON object key used to mark a substituted reference. It
// is deliberately unlikely to collide with an ordinary map key coming from
// application data.
const refKey = "$twinref"

// Codec encodes and decodes wire messages for one kernel. It is safe for
// concurrent use; the underlying jsoniter API is stateless per call.
type Codec struct {
	resolver Resolver
	json     jsoniter.API
}

// New builds a Codec backed by resolver for identity rehydration.
func New(resolver Resolver) *Codec {
	return &Codec{
		resolver: resolver,
		json:     jsoniter.ConfigCompatibleWithStandardLibrary,
	}
}

// EncodeRequest renders a directive and its typed payload as wire bytes,
// substituting any Identifiable leaf found in payload's any-typed fields.
func (c *Codec) EncodeRequest(id protocol.RequestID, d protocol.Directive, payload any) ([]byte, error) {
	raw, err := c.json.Marshal(c.substitute(payload))
	if err != nil {
		return nil, fmt.Errorf("codec: encode payload for %s: %w", d, err)
	}
	return c.json.Marshal(protocol.Request{RequestID: id, Directive: d, Payload: raw})
}

// DecodeRequestEnvelope decodes only the envelope, leaving Payload as a raw
// message for directive-specific decoding.
func (c *Codec) DecodeRequestEnvelope(data []byte) (protocol.Request, error) {
	var req protocol.Request
	if err := c.json.Unmarshal(data, &req); err != nil {
		return protocol.Request{}, fmt.Errorf("codec: decode request envelope: %w", err)
	}
	return req, nil
}

// EncodeReply renders a reply status and body as wire bytes. body is
// either the directive's return value (Status == Success) or a
// *protocol.PayloadError (Status == Exception).
func (c *Codec) EncodeReply(id protocol.RequestID, status protocol.Status, body any) ([]byte, error) {
	raw, err := c.json.Marshal(c.substitute(body))
	if err != nil {
		return nil, fmt.Errorf("codec: encode reply body: %w", err)
	}
	return c.json.Marshal(protocol.Reply{RequestID: id, Status: status, Body: raw})
}

// EncodeReplyEnvelope marshals a Reply whose Body already holds an encoded
// raw message, as produced by handler.Handle, without re-substituting it.
func (c *Codec) EncodeReplyEnvelope(rep protocol.Reply) ([]byte, error) {
	data, err := c.json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("codec: encode reply envelope: %w", err)
	}
	return data, nil
}

// DecodeReplyEnvelope decodes only the envelope, leaving Body raw.
func (c *Codec) DecodeReplyEnvelope(data []byte) (protocol.Reply, error) {
	var rep protocol.Reply
	if err := c.json.Unmarshal(data, &rep); err != nil {
		return protocol.Reply{}, fmt.Errorf("codec: decode reply envelope: %w", err)
	}
	return rep, nil
}

// ClassifyFrame reports whether a raw wire frame is a reply (true) or a
// request (false), without fully decoding either shape. A full-duplex
// master/twin pair shares one transport between a kernel.Server and a
// kernel.Client; only one of them may read it (wire.Transport's documented
// invariant), so whichever does read needs to tell the two frame shapes
// apart before handing a frame to the right side.
func (c *Codec) ClassifyFrame(data []byte) (isReply bool, err error) {
	var probe struct {
		Directive protocol.Directive `json:"directive"`
		Status    protocol.Status    `json:"status"`
	}
	if err := c.json.Unmarshal(data, &probe); err != nil {
		return false, fmt.Errorf("codec: classify frame: %w", err)
	}
	if probe.Status != 0 {
		return true, nil
	}
	if probe.Directive != 0 {
		return false, nil
	}
	return false, fmt.Errorf("codec: frame is neither a request nor a reply")
}

// DecodePayloadError decodes an Exception reply's body.
func (c *Codec) DecodePayloadError(raw json.RawMessage) (*protocol.PayloadError, error) {
	var pe protocol.PayloadError
	if err := c.json.Unmarshal(raw, &pe); err != nil {
		return nil, fmt.Errorf("codec: decode payload error: %w", err)
	}
	return &pe, nil
}

// DecodeValue decodes a raw message into a generic value, rehydrating any
// reference markers found within it. Used for a Success reply's body and
// any other payload field whose shape is not otherwise known ahead of time.
func (c *Codec) DecodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := c.json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("codec: decode value: %w", err)
	}
	return c.rehydrate(v)
}

// DecodeCallFuncPayload decodes a CallFunc directive's payload.
func (c *Codec) DecodeCallFuncPayload(raw json.RawMessage) (protocol.CallFuncPayload, error) {
	var p protocol.CallFuncPayload
	if err := c.json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("codec: decode call_func payload: %w", err)
	}
	if err := c.rehydrateInPlace(&p.Args, &p.Kwargs); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeCallMethodPayload decodes a CallMethod directive's payload.
// Subject always names a local handle, so it is decoded straight to an
// ident.Reference rather than run through Resolver: only Args/Kwargs, which
// may carry foreign references the target should be able to call back
// into, are rehydrated into real values or proxies.
func (c *Codec) DecodeCallMethodPayload(raw json.RawMessage) (protocol.CallMethodPayload, error) {
	var p protocol.CallMethodPayload
	if err := c.json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("codec: decode call_method payload: %w", err)
	}
	subject, err := c.decodeSubjectReference(p.Subject)
	if err != nil {
		return p, err
	}
	p.Subject = subject
	if err := c.rehydrateInPlace(&p.Args, &p.Kwargs); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeAttributePayload decodes a GetAttribute/DelAttribute payload.
func (c *Codec) DecodeAttributePayload(raw json.RawMessage) (protocol.AttributePayload, error) {
	var p protocol.AttributePayload
	if err := c.json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("codec: decode attribute payload: %w", err)
	}
	subject, err := c.decodeSubjectReference(p.Subject)
	if err != nil {
		return p, err
	}
	p.Subject = subject
	return p, nil
}

// DecodeSetAttributePayload decodes a SetAttribute payload. Subject
// bypasses Resolver the same way DecodeAttributePayload does; Value still
// goes through rehydrate since it can itself be (or contain) a reference.
func (c *Codec) DecodeSetAttributePayload(raw json.RawMessage) (protocol.SetAttributePayload, error) {
	var p protocol.SetAttributePayload
	if err := c.json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("codec: decode set_attribute payload: %w", err)
	}
	subject, err := c.decodeSubjectReference(p.Subject)
	if err != nil {
		return p, err
	}
	p.Subject = subject
	value, err := c.rehydrate(p.Value)
	if err != nil {
		return p, err
	}
	p.Value = value
	return p, nil
}

// DecodeInstantiatePayload decodes an Instantiate payload.
func (c *Codec) DecodeInstantiatePayload(raw json.RawMessage) (protocol.InstantiatePayload, error) {
	var p protocol.InstantiatePayload
	if err := c.json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("codec: decode instantiate payload: %w", err)
	}
	if err := c.rehydrateInPlace(&p.Args, &p.Kwargs); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeTerminationEvent decodes a Terminate directive's payload.
func (c *Codec) DecodeTerminationEvent(raw json.RawMessage) (protocol.TerminationEvent, error) {
	var ev protocol.TerminationEvent
	if err := c.json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("codec: decode termination event: %w", err)
	}
	return ev, nil
}

// DecodeRefCountPayload decodes a RefIncr/RefDecr payload. Instance bypasses
// Resolver the same way Subject fields do.
func (c *Codec) DecodeRefCountPayload(raw json.RawMessage) (protocol.RefCountPayload, error) {
	var p protocol.RefCountPayload
	if err := c.json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("codec: decode refcount payload: %w", err)
	}
	instance, err := c.decodeSubjectReference(p.Instance)
	if err != nil {
		return p, err
	}
	p.Instance = instance
	return p, nil
}

// decodeSubjectReference extracts the ident.Reference a Subject/Instance
// field names, without invoking Resolver: these fields always identify a
// local handle that handler.go dereferences itself against its own
// registries, never a value to materialize into a proxy.
func (c *Codec) decodeSubjectReference(v any) (ident.Reference, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return ident.Reference{}, fmt.Errorf("codec: subject is not a reference: %T", v)
	}
	raw, ok := m[refKey]
	if !ok {
		return ident.Reference{}, fmt.Errorf("codec: subject is not a reference: %T", v)
	}
	s, ok := raw.(string)
	if !ok {
		return ident.Reference{}, fmt.Errorf("codec: subject reference is malformed")
	}
	return ident.DecodeReference(s)
}

// DecodeInstantiateResult decodes an Instantiate reply's Success body
// straight into the ident.Reference it names, bypassing Resolver. The
// dispatcher needs the bare reference so its caller decides whether and how
// to materialize a proxy; going through the normal DecodeValue/rehydrate
// path here would materialize one itself, leaving the caller to build a
// second one for the same instance.
func (c *Codec) DecodeInstantiateResult(raw json.RawMessage) (ident.Reference, error) {
	var v any
	if err := c.json.Unmarshal(raw, &v); err != nil {
		return ident.Reference{}, fmt.Errorf("codec: decode instantiate result: %w", err)
	}
	return c.decodeSubjectReference(v)
}

func (c *Codec) rehydrateInPlace(args *[]any, kwargs *map[string]any) error {
	if *args != nil {
		newArgs, err := c.rehydrate(*args)
		if err != nil {
			return err
		}
		if v, ok := newArgs.([]any); ok {
			*args = v
		}
	}
	if *kwargs != nil {
		newKwargs, err := c.rehydrate(*kwargs)
		if err != nil {
			return err
		}
		if v, ok := newKwargs.(map[string]any); ok {
			*kwargs = v
		}
	}
	return nil
}
