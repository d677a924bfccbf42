package codec

import (
	"fmt"
	"testing"

	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/protocol"
)

// fakeProxy is a minimal Identifiable stand-in for a proxy.ProxyInstance, used
// so this package's tests do not need to import proxy (which itself will
// depend on codec).
type fakeProxy struct {
	ref ident.Reference
}

func (f fakeProxy) TwinReference() (ident.Reference, bool) { return f.ref, true }

type fakeResolver struct {
	resolved []ident.Reference
}

func (f *fakeResolver) Resolve(ref ident.Reference) (any, error) {
	f.resolved = append(f.resolved, ref)
	return fmt.Sprintf("resolved:%s/%s", ref.TwinID, ref.InstanceID), nil
}

func TestEncodeDecodeCallFuncPayloadRoundTrip(t *testing.T) {
	c := New(&fakeResolver{})

	payload := protocol.CallFuncPayload{
		Callable: "add",
		Args:     []any{1.0, 2.0},
		Kwargs:   map[string]any{"scale": 3.0},
	}

	data, err := c.EncodeRequest("req-1", protocol.CallFunc, payload)
	if err != nil {
		t.Fatal(err)
	}

	env, err := c.DecodeRequestEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Directive != protocol.CallFunc || env.RequestID != "req-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	decoded, err := c.DecodeCallFuncPayload(env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Callable != "add" {
		t.Fatalf("got callable %q", decoded.Callable)
	}
	if len(decoded.Args) != 2 || decoded.Args[0].(float64) != 1.0 {
		t.Fatalf("got args %+v", decoded.Args)
	}
	if decoded.Kwargs["scale"].(float64) != 3.0 {
		t.Fatalf("got kwargs %+v", decoded.Kwargs)
	}
}

func TestIdentitySubstitutionAndRehydration(t *testing.T) {
	resolver := &fakeResolver{}
	c := New(resolver)

	ref := ident.Reference{
		Handle:   ident.Handle{TwinID: "twin-b", InstanceID: "inst-9"},
		ClassKey: ident.ClassKey{Module: "counters", Class: "Counter"},
	}
	payload := protocol.CallMethodPayload{
		Subject: fakeProxy{ref: ref},
		Name:    "increment",
		Args:    []any{fakeProxy{ref: ref}},
	}

	data, err := c.EncodeRequest("req-2", protocol.CallMethod, payload)
	if err != nil {
		t.Fatal(err)
	}

	env, err := c.DecodeRequestEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := c.DecodeCallMethodPayload(env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	// Subject decodes straight to the bare reference without the resolver;
	// only Args goes through rehydration.
	if subject, ok := decoded.Subject.(ident.Reference); !ok || subject != ref {
		t.Fatalf("got subject %+v", decoded.Subject)
	}
	if len(decoded.Args) != 1 || decoded.Args[0].(string) != "resolved:twin-b/inst-9" {
		t.Fatalf("got args %+v", decoded.Args)
	}
	if len(resolver.resolved) != 1 {
		t.Fatalf("expected resolver called once (for Args only), got %d", len(resolver.resolved))
	}
}

func TestEncodeDecodeReplyRoundTrip(t *testing.T) {
	c := New(&fakeResolver{})

	data, err := c.EncodeReply("req-3", protocol.Success, 42.0)
	if err != nil {
		t.Fatal(err)
	}
	env, err := c.DecodeReplyEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != protocol.Success {
		t.Fatalf("got status %v", env.Status)
	}
	v, err := c.DecodeValue(env.Body)
	if err != nil {
		t.Fatal(err)
	}
	if v.(float64) != 42.0 {
		t.Fatalf("got value %v", v)
	}
}

func TestEncodeDecodeExceptionReply(t *testing.T) {
	c := New(&fakeResolver{})
	pe := protocol.NewPayloadError("ValueError", "boom")

	data, err := c.EncodeReply("req-4", protocol.Exception, pe)
	if err != nil {
		t.Fatal(err)
	}
	env, err := c.DecodeReplyEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != protocol.Exception {
		t.Fatalf("got status %v", env.Status)
	}
	decoded, err := c.DecodePayloadError(env.Body)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TypeName != "ValueError" || decoded.Message != "boom" {
		t.Fatalf("got %+v", decoded)
	}
}
