package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/loanlife/loanledger/internal/fault"
)

func TestIs_matchesOnKind(t *testing.T) {
	err := fault.Newf(fault.KindConflict, "loan %s already registered", "LN-1")

	if !errors.Is(err, fault.Conflict) {
		t.Error("expected errors.Is(err, fault.Conflict) to be true")
	}
	if errors.Is(err, fault.NotFound) {
		t.Error("conflict error must not match fault.NotFound")
	}
}

func TestIs_survivesWrapping(t *testing.T) {
	inner := fault.New(fault.KindState, "breach is terminal")
	outer := fmt.Errorf("update breach: %w", inner)

	if !errors.Is(outer, fault.State) {
		t.Error("wrapped error lost its kind")
	}
	if fault.KindOf(outer) != fault.KindState {
		t.Errorf("KindOf: got %v, want KindState", fault.KindOf(outer))
	}
}

func TestWrap_exposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fault.Wrap(fault.KindTransientNetwork, "send transaction", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if !fault.Retryable(err) {
		t.Error("transient network error should be retryable")
	}
}

func TestKindOf_plainError(t *testing.T) {
	if got := fault.KindOf(errors.New("plain")); got != fault.KindUnknown {
		t.Errorf("KindOf(plain): got %v, want KindUnknown", got)
	}
	if fault.Retryable(errors.New("plain")) {
		t.Error("plain error must not be retryable")
	}
}
