package proxy

import (
	"fmt"
	"testing"

	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/handler"
	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/kernel"
	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/tracker"
	"github.com/twinproto/twinterp/wire"
)

// twin is one side of an in-process master/twin pair built for the
// acceptance tests below: its own registries, its own codec/resolver, and
// a kernel wired the same way master.New and cmd/twintwin wire theirs (a
// paired client demuxed off the server's single reader).
type twin struct {
	id         ident.TwinID
	instances  *tracker.Instances
	classes    *tracker.Classes
	functions  *tracker.Functions
	resolver   *Resolver
	codec      *codec.Codec
	handler    *handler.Handler
	server     *kernel.Server
	dispatcher *kernel.Dispatcher
}

func newTwin(t *testing.T, id ident.TwinID, transport wire.Transport, flavour kernel.Flavour) *twin {
	t.Helper()
	instances := tracker.NewInstances()
	classes := tracker.NewClasses()
	functions := tracker.NewFunctions()
	resolver := NewResolver(id, instances)
	c := codec.New(resolver)
	h := handler.New(handler.Config{
		TwinID:    id,
		Instances: instances,
		Classes:   classes,
		Functions: functions,
		Codec:     c,
	})

	var srv *kernel.Server
	switch flavour {
	case kernel.Async:
		srv = kernel.NewAsyncServer(kernel.Config{Transport: transport, Codec: c, Handler: h})
	case kernel.Pool:
		srv = kernel.NewPoolServer(kernel.Config{Transport: transport, Codec: c, Handler: h, PoolSize: 8})
	default:
		srv = kernel.NewSingleServer(kernel.Config{Transport: transport, Codec: c, Handler: h})
	}
	client := kernel.NewPairedClient(kernel.ClientConfig{Transport: transport, Codec: c, WriteLock: srv.WriteLock()})
	srv.SetPeerClient(client)
	dispatcher := kernel.NewDispatcher(client, c)
	resolver.SetDispatcher(dispatcher)
	go srv.Run()

	return &twin{
		id:         id,
		instances:  instances,
		classes:    classes,
		functions:  functions,
		resolver:   resolver,
		codec:      c,
		handler:    h,
		server:     srv,
		dispatcher: dispatcher,
	}
}

// newTwinPair connects two twins over one net.Pipe, each hosting the
// other end of a full-duplex kernel.
func newTwinPair(t *testing.T, flavour kernel.Flavour) (*twin, *twin) {
	t.Helper()
	ta, tb := newPipePair(t)
	a := newTwin(t, ident.NewTwinID(), ta, flavour)
	b := newTwin(t, ident.NewTwinID(), tb, flavour)
	return a, b
}

// TestCounterRemoteIncrement is spec.md §8 scenario 1: a Counter owned by
// twin B, constructed from twin A, whose inc() method returns its old
// value before incrementing.
func TestCounterRemoteIncrement(t *testing.T) {
	A, B := newTwinPair(t, kernel.Single)

	type remoteCounter struct{ value int }
	construct := func(args []any, kwargs map[string]any) (*remoteCounter, error) { return &remoteCounter{}, nil }

	Register[remoteCounter](B.id, B.instances, B.classes, RegisterOptions[remoteCounter]{
		Module:    "counters",
		Class:     "RemoteCounter",
		Construct: construct,
		Methods: map[string]MethodFunc[remoteCounter]{
			"inc": func(obj *remoteCounter, args []any, kwargs map[string]any) (any, error) {
				old := obj.value
				obj.value++
				return float64(old), nil
			},
		},
		OwnerTwinID: B.id,
	})
	_, proxyClassA := Register[remoteCounter](A.id, A.instances, A.classes, RegisterOptions[remoteCounter]{
		Module:      "counters",
		Class:       "RemoteCounter",
		Construct:   construct,
		OwnerTwinID: B.id,
	})

	inst, err := proxyClassA.New(A.dispatcher, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []float64
	for i := 0; i < 5; i++ {
		v, err := inst.Call("inc", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v.(float64))
	}
	want := []float64{0, 1, 2, 3, 4}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("call %d: got %v, want %v", i, got, want)
		}
	}

	real, ok := B.instances.Lookup(inst.ref.Handle)
	if !ok {
		t.Fatal("expected the real Counter to still be tracked on B")
	}
	if real.Value.(*remoteCounter).value != 5 {
		t.Fatalf("expected B's Counter to read 5, got %d", real.Value.(*remoteCounter).value)
	}
}

// TestAddFunctionDelegated is spec.md §8 scenario 2: a free function
// owned by twin B, called from twin A, never running locally on A.
func TestAddFunctionDelegated(t *testing.T) {
	A, B := newTwinPair(t, kernel.Single)

	ranLocally := false
	A.functions.Register("add", func(args []any, kwargs map[string]any) (any, error) {
		ranLocally = true
		return nil, fmt.Errorf("add must never run on the calling twin")
	})
	B.functions.Register("add", func(args []any, kwargs map[string]any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	})

	result, err := A.dispatcher.DispatchCall("add", []any{2.0, 3.0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.(float64) != 5.0 {
		t.Fatalf("got %v", result)
	}
	if ranLocally {
		t.Fatal("add ran locally on A instead of being delegated to B")
	}
}

// TestRefcountReturnsToZeroAfterDrop is spec.md §8 scenario 3: dropping a
// proxy's last reference removes its entry from the owner's keep-alive
// table.
func TestRefcountReturnsToZeroAfterDrop(t *testing.T) {
	A, B := newTwinPair(t, kernel.Single)

	type box struct{ x int }
	construct := func(args []any, kwargs map[string]any) (*box, error) {
		return &box{x: int(args[0].(float64))}, nil
	}
	Register[box](B.id, B.instances, B.classes, RegisterOptions[box]{
		Module: "boxes", Class: "Box", Construct: construct, OwnerTwinID: B.id,
	})
	_, proxyClassA := Register[box](A.id, A.instances, A.classes, RegisterOptions[box]{
		Module: "boxes", Class: "Box", Construct: construct, OwnerTwinID: B.id,
	})

	inst, err := proxyClassA.New(A.dispatcher, []any{7.0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	handle := inst.ref.Handle
	if _, ok := B.instances.Lookup(handle); !ok {
		t.Fatal("expected Box to be tracked on B right after instantiate")
	}

	if err := A.dispatcher.DecrementInstanceRef(inst); err != nil {
		t.Fatal(err)
	}
	if _, ok := B.instances.Lookup(handle); ok {
		t.Fatal("expected Box's entry to be gone once its refcount hit zero")
	}
}

// TestIdentityPreservedAcrossRoundTrip is spec.md §8 invariant 5: decoding
// the same (twin_id, instance_id) twice while one copy is still alive
// yields the same proxy object both times.
func TestIdentityPreservedAcrossRoundTrip(t *testing.T) {
	A, B := newTwinPair(t, kernel.Single)

	type widget struct{}
	construct := func(args []any, kwargs map[string]any) (*widget, error) { return &widget{}, nil }
	Register[widget](B.id, B.instances, B.classes, RegisterOptions[widget]{
		Module: "widgets", Class: "Widget", Construct: construct, OwnerTwinID: B.id,
	})
	_, proxyClassA := Register[widget](A.id, A.instances, A.classes, RegisterOptions[widget]{
		Module: "widgets", Class: "Widget", Construct: construct, OwnerTwinID: B.id,
	})

	inst, err := proxyClassA.New(A.dispatcher, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	data, err := A.codec.EncodeReply("probe", protocol.Success, []any{inst, inst})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := A.codec.DecodeReplyEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := A.codec.DecodeValue(rep.Body)
	if err != nil {
		t.Fatal(err)
	}
	pair, ok := decoded.([]any)
	if !ok || len(pair) != 2 {
		t.Fatalf("expected a two-element slice, got %T", decoded)
	}
	first, ok := pair[0].(*ProxyInstance[widget])
	if !ok {
		t.Fatalf("got %T", pair[0])
	}
	second, ok := pair[1].(*ProxyInstance[widget])
	if !ok {
		t.Fatalf("got %T", pair[1])
	}
	if first != second {
		t.Fatal("the same reference decoded twice must rehydrate to the same proxy")
	}
	if first != inst {
		t.Fatal("an already-live proxy must be reused, not replaced by a new one")
	}
	if A.instances.Len() != 1 {
		t.Fatalf("expected exactly one tracked instance on A, got %d", A.instances.Len())
	}
}

// TestStaticAttributeVisibleAcrossTwins is spec.md §8 scenario 5: a write
// to a class-level attribute from one twin is visible to the owning
// twin's own handler.
func TestStaticAttributeVisibleAcrossTwins(t *testing.T) {
	A, B := newTwinPair(t, kernel.Single)

	type gauge struct{}
	var tally float64
	Register[gauge](B.id, B.instances, B.classes, RegisterOptions[gauge]{
		Module:    "statics",
		Class:     "Gauge",
		Construct: func(args []any, kwargs map[string]any) (*gauge, error) { return &gauge{}, nil },
		StaticAttrs: map[string]AttrAccessor[gauge]{
			"tally": {
				Get: func(obj *gauge) (any, error) { return tally, nil },
				Set: func(obj *gauge, value any) error { tally = value.(float64); return nil },
			},
		},
		OwnerTwinID: B.id,
	})
	_, proxyClassA := Register[gauge](A.id, A.instances, A.classes, RegisterOptions[gauge]{
		Module:      "statics",
		Class:       "Gauge",
		Construct:   func(args []any, kwargs map[string]any) (*gauge, error) { return &gauge{}, nil },
		OwnerTwinID: B.id,
	})

	handleOnA := proxyClassA.ClassHandle(A.dispatcher)
	if err := handleOnA.SetStatic("tally", 10.0); err != nil {
		t.Fatal(err)
	}

	classKey := ident.ClassKey{Module: "statics", Class: "Gauge"}
	getData, err := B.codec.EncodeRequest("g1", protocol.GetAttribute, protocol.AttributePayload{
		Subject: ident.Reference{
			Handle:   ident.Handle{TwinID: B.id, InstanceID: ident.ClassSubjectInstanceID},
			ClassKey: classKey,
		},
		Name: "tally",
	})
	if err != nil {
		t.Fatal(err)
	}
	getReq, err := B.codec.DecodeRequestEnvelope(getData)
	if err != nil {
		t.Fatal(err)
	}
	getRep, err := B.handler.Handle(getReq)
	if err != nil {
		t.Fatal(err)
	}
	if getRep.Status != protocol.Success {
		t.Fatalf("get_attribute against Gauge.tally failed: %s", getRep.Body)
	}
	v, err := B.codec.DecodeValue(getRep.Body)
	if err != nil {
		t.Fatal(err)
	}
	if v.(float64) != 10.0 {
		t.Fatalf("expected B to read Gauge.tally == 10, got %v", v)
	}
}

// player is the fixture for TestBounceGamePicksOriginalCaller: self names
// the reference to its own real instance so its play method can hand
// itself back as the next bounce's argument.
type player struct {
	name string
	self ident.Reference
}

// TestBounceGamePicksOriginalCaller is spec.md §8 scenario 4: A creates a
// player it owns, B creates a player it owns, and A.play bounces three
// times through B before returning to A, inverting parity back to the
// original caller.
func TestBounceGamePicksOriginalCaller(t *testing.T) {
	A, B := newTwinPair(t, kernel.Async)

	construct := func(args []any, kwargs map[string]any) (*player, error) { return &player{}, nil }
	play := func(obj *player, args []any, kwargs map[string]any) (any, error) {
		n := args[1].(float64)
		if n <= 0 {
			return obj.name, nil
		}
		op, ok := args[0].(*ProxyInstance[player])
		if !ok {
			return nil, fmt.Errorf("play: op is not a player proxy, got %T", args[0])
		}
		return op.Call("play", []any{obj.self, n - 1}, nil)
	}

	realA, _ := Register[player](A.id, A.instances, A.classes, RegisterOptions[player]{
		Module: "game", Class: "Player", Construct: construct,
		Methods: map[string]MethodFunc[player]{"play": play},
	})
	realB, _ := Register[player](B.id, B.instances, B.classes, RegisterOptions[player]{
		Module: "game", Class: "Player", Construct: construct,
		Methods: map[string]MethodFunc[player]{"play": play},
	})

	pA, handleA, err := realA.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pA.name = "A"
	pA.self = ident.Reference{Handle: handleA, ClassKey: ident.ClassKey{Module: "game", Class: "Player"}}

	pB, handleB, err := realB.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pB.name = "B"
	pB.self = ident.Reference{Handle: handleB, ClassKey: ident.ClassKey{Module: "game", Class: "Player"}}

	result, err := A.dispatcher.DispatchMethodCall(pB.self, "play", []any{pA.self, 3.0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.(string) != "A" {
		t.Fatalf("expected the bounce game to land back on A, got %v", result)
	}
}
