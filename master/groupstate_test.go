package master

import (
	"reflect"
	"testing"
)

func TestGroupStateRegisterAppendsEntries(t *testing.T) {
	g := NewGroupState()
	g.Register(Initializer, "setup_logging")
	g.Register(Finalizer, "flush_metrics")
	g.Register(Initializer, "warm_cache")

	got := g.Entries()
	want := []GroupEntry{
		{Kind: Initializer, Key: "setup_logging"},
		{Kind: Finalizer, Key: "flush_metrics"},
		{Kind: Initializer, Key: "warm_cache"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGroupStateForKindFiltersInOrder(t *testing.T) {
	g := NewGroupState()
	g.Register(Initializer, "a")
	g.Register(Finalizer, "b")
	g.Register(Initializer, "c")

	inits := g.ForKind(Initializer)
	if !reflect.DeepEqual(inits, []string{"a", "c"}) {
		t.Fatalf("got %v", inits)
	}
	fins := g.ForKind(Finalizer)
	if !reflect.DeepEqual(fins, []string{"b"}) {
		t.Fatalf("got %v", fins)
	}
}

func TestGroupStateSubscribeReceivesFutureRegistrations(t *testing.T) {
	g := NewGroupState()
	g.Register(Initializer, "before_subscribe")

	var seen []GroupEntry
	g.Subscribe(func(entry GroupEntry) { seen = append(seen, entry) })

	g.Register(Initializer, "after_subscribe")

	want := []GroupEntry{{Kind: Initializer, Key: "after_subscribe"}}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("got %+v, want %+v (backlog entries should not replay)", seen, want)
	}
}
