package wireerr

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
)

func TestIsChannelClosedMatchesWrapped(t *testing.T) {
	wrapped := errors.Wrap(ErrChannelClosed, "reading frame")
	if !IsChannelClosed(wrapped) {
		t.Fatalf("expected IsChannelClosed to see through errors.Wrap")
	}
}

func TestIsChannelClosedRejectsUnrelatedError(t *testing.T) {
	if IsChannelClosed(fmt.Errorf("some other failure")) {
		t.Fatalf("did not expect an unrelated error to match")
	}
	if IsChannelClosed(ErrProtocol) {
		t.Fatalf("ErrProtocol must not be classified as a closed channel")
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{ErrChannelClosed, ErrProtocol, ErrInstanceNotTracked, ErrTwinterpreterUnavailable}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Fatalf("sentinel %v unexpectedly matches %v", a, b)
			}
		}
	}
}
