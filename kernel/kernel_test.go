package kernel

import (
	"net"
	"testing"
	"time"

	"github.com/twinproto/twinterp/codec"
	"github.com/twinproto/twinterp/handler"
	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/protocol"
	"github.com/twinproto/twinterp/tracker"
	"github.com/twinproto/twinterp/wire"
)

// nullResolver satisfies codec.Resolver for tests that never pass a
// cross-twin reference through Args/Kwargs, so there is nothing to
// materialize a proxy for; proxy.Resolver can't be used here since proxy
// imports kernel.
type nullResolver struct{}

func (nullResolver) Resolve(ref ident.Reference) (any, error) { return ref, nil }

func newPipePair(t *testing.T) (wire.Transport, wire.Transport) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	serverSide := wire.NewStdioTransportFrom(nil, a, a)
	clientSide := wire.NewStdioTransportFrom(nil, b, b)
	if err := serverSide.Open(); err != nil {
		t.Fatal(err)
	}
	if err := clientSide.Open(); err != nil {
		t.Fatal(err)
	}
	return serverSide, clientSide
}

func newEndToEnd(t *testing.T, flavour Flavour) (*Dispatcher, func()) {
	t.Helper()
	serverTransport, clientTransport := newPipePair(t)

	functions := tracker.NewFunctions()
	functions.Register("add", func(args []any, kwargs map[string]any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	})
	functions.Register("boom", func(args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	})

	serverCodec := codec.New(nullResolver{})
	h := handler.New(handler.Config{
		Instances: tracker.NewInstances(),
		Classes:   tracker.NewClasses(),
		Functions: functions,
		Codec:     serverCodec,
	})

	srv := newServer(Config{Transport: serverTransport, Codec: serverCodec, Handler: h}, flavour)
	go srv.Run()

	clientCodec := codec.New(nullResolver{})
	client := NewClient(ClientConfig{Transport: clientTransport, Codec: clientCodec})
	dispatcher := NewDispatcher(client, clientCodec)

	return dispatcher, func() {}
}

func TestDispatchCallSingleFlavour(t *testing.T) {
	d, cleanup := newEndToEnd(t, Single)
	defer cleanup()

	result, err := d.DispatchCall("add", []any{1.0, 2.0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.(float64) != 3.0 {
		t.Fatalf("got %v", result)
	}
}

func TestDispatchCallAsyncFlavour(t *testing.T) {
	d, cleanup := newEndToEnd(t, Async)
	defer cleanup()

	result, err := d.DispatchCall("add", []any{4.0, 5.0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.(float64) != 9.0 {
		t.Fatalf("got %v", result)
	}
}

func TestDispatchCallPropagatesPanicAsException(t *testing.T) {
	d, cleanup := newEndToEnd(t, Single)
	defer cleanup()

	_, err := d.DispatchCall("boom", nil, nil)
	if err == nil {
		t.Fatal("expected error from panicking callable")
	}
}

func TestConcurrentCallsDoNotCrossTalk(t *testing.T) {
	d, cleanup := newEndToEnd(t, Async)
	defer cleanup()

	results := make(chan float64, 10)
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		i := i
		go func() {
			v, err := d.DispatchCall("add", []any{float64(i), 100.0}, nil)
			if err != nil {
				errs <- err
				return
			}
			results <- v.(float64)
		}()
	}
	got := map[float64]bool{}
	for i := 0; i < 10; i++ {
		select {
		case v := <-results:
			got[v] = true
		case err := <-errs:
			t.Fatal(err)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for concurrent calls")
		}
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 distinct results, got %d", len(got))
	}
}
