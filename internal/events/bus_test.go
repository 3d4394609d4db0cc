package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/events"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEmit_deliversInRegistrationOrder(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		bus.On(events.BreachDetected, func(events.Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	bus.Emit(events.BreachDetected, map[string]string{"breachId": "b-1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("listeners ran out of order: %v", order)
		}
	}
}

func TestEmit_serializedPerName(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var seen []string

	bus.On(events.ESGScoreRecorded, func(ev events.Event) {
		// Deliberately slow listener; later events must still arrive
		// after this one completes.
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		seen = append(seen, ev.Payload.(string))
		mu.Unlock()
	})

	for _, p := range []string{"a", "b", "c"} {
		bus.Emit(events.ESGScoreRecorded, p)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Errorf("events reordered: %v", seen)
	}
}

func TestOff_removesListener(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var kept, removed int

	id := bus.On(events.CovenantRegistered, func(events.Event) {
		mu.Lock()
		removed++
		mu.Unlock()
	})
	bus.On(events.CovenantRegistered, func(events.Event) {
		mu.Lock()
		kept++
		mu.Unlock()
	})

	bus.Off(events.CovenantRegistered, id)
	bus.Emit(events.CovenantRegistered, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kept == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if removed != 0 {
		t.Errorf("removed listener still ran %d times", removed)
	}
}

func TestEmit_panickingListenerDoesNotStopOthers(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	ran := false

	bus.On(events.AuditEntryCreated, func(events.Event) {
		panic("listener bug")
	})
	bus.On(events.AuditEntryCreated, func(events.Event) {
		mu.Lock()
		ran = true
		mu.Unlock()
	})

	bus.Emit(events.AuditEntryCreated, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	})
}

func TestClose_isIdempotent(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	bus.On(events.BreachDetected, func(events.Event) {})
	bus.Close()
	bus.Close()

	// After Close, Emit and On are no-ops.
	bus.Emit(events.BreachDetected, nil)
	if id := bus.On(events.BreachDetected, func(events.Event) {}); id != uuid.Nil {
		t.Error("On after Close should return the nil id")
	}
}
