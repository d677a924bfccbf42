package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/twinproto/twinterp/ident"
)

func TestDirectiveStringCoversAllValues(t *testing.T) {
	cases := map[Directive]string{
		CallFunc:      "call_func",
		CallMethod:    "call_method",
		GetAttribute:  "get_attribute",
		SetAttribute:  "set_attribute",
		DelAttribute:  "del_attribute",
		Instantiate:   "instantiate",
		RefIncr:       "ref_incr",
		RefDecr:       "ref_decr",
		Terminate:     "terminate",
		Directive(99): "unknown_directive",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("Directive(%d).String() = %q, want %q", d, got, want)
		}
	}
}

func TestStatusString(t *testing.T) {
	if Success.String() != "success" {
		t.Errorf("Success.String() = %q", Success.String())
	}
	if Exception.String() != "exception" {
		t.Errorf("Exception.String() = %q", Exception.String())
	}
	if Status(99).String() != "unknown_status" {
		t.Errorf("unknown status did not fall back")
	}
}

func TestRequestIsEvent(t *testing.T) {
	event := Request{Directive: Terminate}
	if !event.IsEvent() {
		t.Fatalf("a request with no RequestID must be an event")
	}
	call := Request{RequestID: "req-1", Directive: CallFunc}
	if call.IsEvent() {
		t.Fatalf("a request with a RequestID must not be an event")
	}
}

func TestRequestPayloadRoundTrip(t *testing.T) {
	payload := CallMethodPayload{
		Subject: "some-subject",
		Name:    "increment",
		Args:    []any{1.0},
		Kwargs:  map[string]any{"by": 2.0},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	req := Request{RequestID: "req-1", Directive: CallMethod, Payload: raw}

	encoded, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal request: %v", err)
	}
	var decoded Request
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal request: %v", err)
	}
	var gotPayload CallMethodPayload
	if err := json.Unmarshal(decoded.Payload, &gotPayload); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if gotPayload.Name != "increment" {
		t.Fatalf("payload name mismatch: got %q", gotPayload.Name)
	}
}

func TestInstantiatePayloadCarriesClassKey(t *testing.T) {
	p := InstantiatePayload{
		Class: ident.ClassKey{Module: "widgets", Class: "Counter"},
		Args:  []any{},
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got InstantiatePayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Class != p.Class {
		t.Fatalf("class key mismatch: got %+v, want %+v", got.Class, p.Class)
	}
}

func TestNegotiatedVersionTakesMinimum(t *testing.T) {
	a := Hello{Version: 3}
	b := Hello{Version: 1}
	if got := NegotiatedVersion(a, b); got != 1 {
		t.Fatalf("NegotiatedVersion = %d, want 1", got)
	}
	if got := NegotiatedVersion(b, a); got != 1 {
		t.Fatalf("NegotiatedVersion is not symmetric: got %d", got)
	}
}

func TestNegotiatedFeaturesIntersects(t *testing.T) {
	a := Hello{Features: []string{"compress", "batch", "trace"}}
	b := Hello{Features: []string{"trace", "compress"}}
	got := NegotiatedFeatures(a, b)
	want := map[string]bool{"compress": true, "trace": true}
	if len(got) != len(want) {
		t.Fatalf("NegotiatedFeatures = %v, want two features matching %v", got, want)
	}
	for _, f := range got {
		if !want[f] {
			t.Fatalf("unexpected feature %q in result %v", f, got)
		}
	}
}

func TestNegotiatedFeaturesPreservesCallerOrder(t *testing.T) {
	a := Hello{Features: []string{"z", "a"}}
	b := Hello{Features: []string{"a", "z"}}
	got := NegotiatedFeatures(a, b)
	if len(got) != 2 || got[0] != "z" || got[1] != "a" {
		t.Fatalf("expected order to follow a's feature list, got %v", got)
	}
}

func TestPayloadErrorImplementsError(t *testing.T) {
	pe := NewPayloadError("ValueError", "bad value")
	if pe.Error() != "ValueError: bad value" {
		t.Fatalf("PayloadError.Error() = %q", pe.Error())
	}
}

type customError struct{ msg string }

func (e *customError) Error() string { return "custom: " + e.msg }

func TestReifyUsesRegisteredConstructor(t *testing.T) {
	RegisterErrorType("CustomError", func(msg string) error { return &customError{msg: msg} })
	pe := NewPayloadError("CustomError", "boom")

	got := Reify(pe)
	var ce *customError
	if !errors.As(got, &ce) {
		t.Fatalf("expected Reify to produce a *customError, got %T", got)
	}
	if ce.msg != "boom" {
		t.Fatalf("constructor message mismatch: got %q", ce.msg)
	}
}

func TestReifyFallsBackToPayloadErrorWhenUnregistered(t *testing.T) {
	pe := NewPayloadError("TotallyUnknownType", "oops")
	got := Reify(pe)
	if got != error(pe) {
		t.Fatalf("expected fallback to return the PayloadError itself")
	}
}

func TestStopTwinterpreterIsRecognizedWithErrorsAs(t *testing.T) {
	var err error = &StopTwinterpreter{ExitCode: 2, Message: "terminated"}
	var stop *StopTwinterpreter
	if !errors.As(err, &stop) {
		t.Fatalf("expected errors.As to find *StopTwinterpreter")
	}
	if stop.ExitCode != 2 {
		t.Fatalf("ExitCode mismatch: got %d", stop.ExitCode)
	}
}
