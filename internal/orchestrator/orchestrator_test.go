package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/fault"
	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/orchestrator"
)

var ctx = context.Background()

const account = "0xfeed"

func newOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *orchestrator.SimTransport) {
	t.Helper()
	sim := orchestrator.NewSimTransport()
	cfg := orchestrator.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond}
	return orchestrator.New(sim, cfg, nil, zap.NewNop()), sim
}

func registerAction() orchestrator.RegisterCovenant {
	return orchestrator.RegisterCovenant{
		LoanID:       "LN-1",
		ContentHash:  integrity.HashString("terms"),
		CovenantType: "FINANCIAL",
	}
}

func TestSubmit_success(t *testing.T) {
	o, sim := newOrchestrator(t)

	res := o.Submit(ctx, account, registerAction())
	if !res.OK {
		t.Fatalf("submit failed: %v", res.Err)
	}
	if res.TxHash == "" || res.Block != 1 {
		t.Errorf("receipt: hash=%q block=%d", res.TxHash, res.Block)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", res.Attempts)
	}
	if sim.Nonce(account) != 1 {
		t.Errorf("nonce: got %d, want 1", sim.Nonce(account))
	}
}

func TestSubmit_validatesBeforeSending(t *testing.T) {
	o, sim := newOrchestrator(t)

	res := o.Submit(ctx, account, orchestrator.RegisterCovenant{LoanID: "LN-1", ContentHash: integrity.ZeroHash, CovenantType: "F"})
	if res.OK || !errors.Is(res.Err, fault.Integrity) {
		t.Errorf("zero hash: got %+v, want Integrity fault", res)
	}

	res = o.Submit(ctx, "", registerAction())
	if res.OK || !errors.Is(res.Err, fault.Validation) {
		t.Errorf("empty account: got %+v, want Validation fault", res)
	}

	res = o.Submit(ctx, account, orchestrator.RecordESGScore{LoanID: "LN-1", Environmental: 101, EvidenceHash: "e"})
	if res.OK || !errors.Is(res.Err, fault.Validation) {
		t.Errorf("pillar out of range: got %+v, want Validation fault", res)
	}

	// Nothing may reach the chain.
	if sim.Nonce(account) != 0 {
		t.Errorf("rejected submissions touched the chain: nonce %d", sim.Nonce(account))
	}
}

func TestSubmit_retriesNonceConflict(t *testing.T) {
	o, sim := newOrchestrator(t)
	sim.Inject(orchestrator.ErrNonce)

	res := o.Submit(ctx, account, registerAction())
	if !res.OK {
		t.Fatalf("expected recovery after nonce conflict: %v", res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", res.Attempts)
	}
}

func TestSubmit_retriesResourceConflict(t *testing.T) {
	o, sim := newOrchestrator(t)
	sim.Inject(orchestrator.ErrResource, orchestrator.ErrResource)

	res := o.Submit(ctx, account, registerAction())
	if !res.OK {
		t.Fatalf("expected recovery after resource conflicts: %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", res.Attempts)
	}
}

func TestSubmit_exhaustsRetries(t *testing.T) {
	o, sim := newOrchestrator(t)
	sim.Inject(orchestrator.ErrTimeout, orchestrator.ErrTimeout, orchestrator.ErrTimeout)

	res := o.Submit(ctx, account, registerAction())
	if res.OK {
		t.Fatal("expected failure after exhausting retries")
	}
	if !errors.Is(res.Err, fault.TransientNetwork) {
		t.Errorf("got %v, want TransientNetwork fault", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", res.Attempts)
	}
	var te *orchestrator.TransportError
	if !errors.As(res.Err, &te) {
		t.Error("result must wrap the last transport error")
	}
}

func TestSubmit_rejectionIsNotRetried(t *testing.T) {
	o, sim := newOrchestrator(t)
	sim.Inject(orchestrator.ErrRejected)

	res := o.Submit(ctx, account, registerAction())
	if res.OK {
		t.Fatal("expected permanent failure")
	}
	if !errors.Is(res.Err, fault.PermanentLedger) {
		t.Errorf("got %v, want PermanentLedger fault", res.Err)
	}
	if res.Attempts != 1 {
		t.Errorf("rejection retried: %d attempts", res.Attempts)
	}
	if fault.Retryable(res.Err) {
		t.Error("permanent rejection reported retryable")
	}
}

func TestSubmit_honorsCancellation(t *testing.T) {
	o, _ := newOrchestrator(t)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	res := o.Submit(cancelled, account, registerAction())
	if res.OK {
		t.Fatal("cancelled submission succeeded")
	}
	if !errors.Is(res.Err, fault.TransientNetwork) {
		t.Errorf("got %v, want TransientNetwork fault", res.Err)
	}
}

func TestSubmit_serializesPerAccount(t *testing.T) {
	sim := orchestrator.NewSimTransport()
	cfg := orchestrator.Config{MaxAttempts: 1, BaseBackoff: time.Millisecond}
	o := orchestrator.New(sim, cfg, nil, zap.NewNop())

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.Submit(ctx, account, registerAction())
			if res.OK {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if okCount != n {
		t.Errorf("confirmed writes: got %d, want %d", okCount, n)
	}
	if sim.Nonce(account) != n {
		t.Errorf("account nonce: got %d, want %d", sim.Nonce(account), n)
	}
}

func TestSubmit_emitsEventOnConfirmation(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	sim := orchestrator.NewSimTransport()
	cfg := orchestrator.Config{MaxAttempts: 1, BaseBackoff: time.Millisecond}
	o := orchestrator.New(sim, cfg, bus, zap.NewNop())

	got := make(chan events.Event, 1)
	id := o.On(events.CovenantRegistered, func(ev events.Event) { got <- ev })
	defer o.Off(events.CovenantRegistered, id)

	if res := o.Submit(ctx, account, registerAction()); !res.OK {
		t.Fatalf("submit failed: %v", res.Err)
	}
	select {
	case ev := <-got:
		a, ok := ev.Payload.(orchestrator.RegisterCovenant)
		if !ok || a.LoanID != "LN-1" {
			t.Errorf("payload: got %#v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for confirmation event")
	}
}

func TestSubmit_anchorAuditRoot(t *testing.T) {
	o, _ := newOrchestrator(t)

	res := o.Submit(ctx, account, orchestrator.AnchorAuditRoot{
		StartID: 0, EndID: 10, MerkleRoot: integrity.HashString("root"),
	})
	if !res.OK {
		t.Fatalf("anchor failed: %v", res.Err)
	}

	res = o.Submit(ctx, account, orchestrator.AnchorAuditRoot{StartID: 5, EndID: 2, MerkleRoot: "x"})
	if res.OK || !errors.Is(res.Err, fault.Validation) {
		t.Errorf("inverted range: got %+v, want Validation fault", res)
	}
}
