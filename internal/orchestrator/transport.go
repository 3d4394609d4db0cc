package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/loanlife/loanledger/internal/integrity"
)

// ErrKind classifies a transport failure so the orchestrator can pick a
// retry policy without matching on message text.
type ErrKind int

const (
	// ErrNonce: sequence-number conflict; retry after a linear delay.
	ErrNonce ErrKind = iota + 1
	// ErrResource: cost estimation rejected; retry with exponential
	// backoff and a fresh estimate.
	ErrResource
	// ErrRejected: the ledger refused the write; never retried.
	ErrRejected
	// ErrTimeout: the call did not complete in time; retryable.
	ErrTimeout
)

// TransportError is the structured failure returned by a Transport.
type TransportError struct {
	Kind ErrKind
	Msg  string
}

func (e *TransportError) Error() string { return e.Msg }

// Submission is a fully priced write handed to the transport.
type Submission struct {
	Account   string `json:"account"`
	Kind      string `json:"kind"`
	Payload   any    `json:"payload"`
	CostLimit uint64 `json:"cost_limit"`
	Price     uint64 `json:"price"`
}

// Receipt confirms a broadcast write.
type Receipt struct {
	TxHash string `json:"tx_hash"`
	Block  uint64 `json:"block"`
}

// Transport broadcasts writes to the underlying ledger network. Every
// method honors the context deadline; failures carry a *TransportError.
type Transport interface {
	EstimateCost(ctx context.Context, action Action) (uint64, error)
	CurrentPrice(ctx context.Context) (uint64, error)
	Send(ctx context.Context, sub Submission) (*Receipt, error)
}

// SimTransport is an in-process transport for local and test use. It
// keeps a deterministic chain: block numbers increase monotonically and
// the transaction hash is derived from the submission content.
type SimTransport struct {
	mu     sync.Mutex
	block  uint64
	nonces map[string]uint64
	faults []ErrKind

	// BaseCost is the estimate returned for every action.
	BaseCost uint64
	// Price is the network price returned by CurrentPrice.
	Price uint64
}

// NewSimTransport creates a simulated transport with default pricing.
func NewSimTransport() *SimTransport {
	return &SimTransport{
		nonces:   make(map[string]uint64),
		BaseCost: 50_000,
		Price:    1,
	}
}

// Inject queues transport failures: each subsequent Send consumes one
// queued kind and fails with it before touching the chain.
func (t *SimTransport) Inject(kinds ...ErrKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, kinds...)
}

// EstimateCost implements Transport.
func (t *SimTransport) EstimateCost(ctx context.Context, _ Action) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &TransportError{Kind: ErrTimeout, Msg: err.Error()}
	}
	return t.BaseCost, nil
}

// CurrentPrice implements Transport.
func (t *SimTransport) CurrentPrice(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &TransportError{Kind: ErrTimeout, Msg: err.Error()}
	}
	return t.Price, nil
}

// Send implements Transport.
func (t *SimTransport) Send(ctx context.Context, sub Submission) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Kind: ErrTimeout, Msg: err.Error()}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.faults) > 0 {
		kind := t.faults[0]
		t.faults = t.faults[1:]
		return nil, &TransportError{Kind: kind, Msg: fmt.Sprintf("injected fault %d", kind)}
	}
	if sub.CostLimit < t.BaseCost {
		return nil, &TransportError{Kind: ErrResource, Msg: "cost limit below required cost"}
	}

	t.block++
	t.nonces[sub.Account]++
	hash, err := integrity.HashObject(struct {
		Submission
		Block uint64 `json:"block"`
		Nonce uint64 `json:"nonce"`
	}{sub, t.block, t.nonces[sub.Account]})
	if err != nil {
		return nil, &TransportError{Kind: ErrRejected, Msg: "hash submission: " + err.Error()}
	}
	return &Receipt{TxHash: "0x" + hash, Block: t.block}, nil
}

// Nonce reports the confirmed write count for an account.
func (t *SimTransport) Nonce(account string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonces[account]
}
