// Package orchestrator serializes and broadcasts ledger-mutating writes.
// Writes are queued per signing account so at most one unconfirmed write
// is in flight per account; failed sends are retried with a bounded
// backoff chosen by the transport's error classification.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/fault"
)

// costBuffer is the safety margin applied to the transport's cost
// estimate: estimate * 120 / 100.
const (
	costBufferNum = 120
	costBufferDen = 100
)

// Config tunes the retry policy.
type Config struct {
	// MaxAttempts caps send attempts per submission, first try included.
	MaxAttempts int
	// BaseBackoff seeds both backoff curves: linear waits attempt*base,
	// exponential waits base<<(attempt-1).
	BaseBackoff time.Duration
}

// DefaultConfig matches production settings.
func DefaultConfig() Config {
	return Config{MaxAttempts: 4, BaseBackoff: 500 * time.Millisecond}
}

// Result is the structured outcome of a submission. Err carries the
// classified failure when OK is false.
type Result struct {
	OK       bool   `json:"ok"`
	TxHash   string `json:"tx_hash,omitempty"`
	Block    uint64 `json:"block,omitempty"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// Orchestrator owns the write path to the ledger network.
type Orchestrator struct {
	transport Transport
	cfg       Config
	bus       *events.Bus // nil = no event fan-out
	logger    *zap.Logger

	accounts *accountLocks
}

// New creates an Orchestrator. bus may be nil to disable event fan-out.
func New(transport Transport, cfg Config, bus *events.Bus, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	return &Orchestrator{
		transport: transport,
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		accounts:  newAccountLocks(),
	}
}

// Submit validates, prices, and broadcasts the action signed by account.
// Concurrent submissions from the same account queue; different accounts
// proceed in parallel. The context is honored between attempts; a send
// already handed to the transport is never cancelled.
func (o *Orchestrator) Submit(ctx context.Context, account string, action Action) Result {
	if account == "" {
		return Result{Err: fault.New(fault.KindValidation, "signing account must not be empty")}
	}
	if err := action.Validate(); err != nil {
		return Result{Err: err}
	}

	o.accounts.lock(account)
	defer o.accounts.unlock(account)

	res := o.send(ctx, account, action)
	if res.OK {
		if o.bus != nil {
			o.bus.Emit(action.EventName(), action)
		}
		o.logger.Info("write confirmed",
			zap.String("account", account),
			zap.String("action", action.Kind()),
			zap.String("tx_hash", res.TxHash),
			zap.Uint64("block", res.Block),
			zap.Int("attempts", res.Attempts),
		)
	} else {
		o.logger.Error("write failed",
			zap.String("account", account),
			zap.String("action", action.Kind()),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
	}
	return res
}

// send runs the estimate/price/send loop under the account lock.
func (o *Orchestrator) send(ctx context.Context, account string, action Action) Result {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: fault.Wrap(fault.KindTransientNetwork, "submission abandoned", err)}
		}

		estimate, err := o.transport.EstimateCost(ctx, action)
		if err != nil {
			lastErr = err
			if !o.backoff(ctx, attempt, classify(err)) {
				break
			}
			continue
		}
		price, err := o.transport.CurrentPrice(ctx)
		if err != nil {
			lastErr = err
			if !o.backoff(ctx, attempt, classify(err)) {
				break
			}
			continue
		}

		receipt, err := o.transport.Send(ctx, Submission{
			Account:   account,
			Kind:      action.Kind(),
			Payload:   action,
			CostLimit: estimate * costBufferNum / costBufferDen,
			Price:     price,
		})
		if err == nil {
			return Result{OK: true, TxHash: receipt.TxHash, Block: receipt.Block, Attempts: attempt}
		}

		lastErr = err
		kind := classify(err)
		if kind == ErrRejected {
			return Result{Attempts: attempt, Err: fault.Wrap(fault.KindPermanentLedger, "ledger rejected write", err)}
		}
		o.logger.Warn("send attempt failed",
			zap.String("account", account),
			zap.String("action", action.Kind()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !o.backoff(ctx, attempt, kind) {
			break
		}
	}
	return Result{
		Attempts: attempts,
		Err:      fault.Wrap(fault.KindTransientNetwork, "retries exhausted", lastErr),
	}
}

// backoff sleeps before the next attempt: linear for nonce conflicts,
// exponential for resource conflicts and timeouts. Returns false when
// the context is cancelled or attempts are exhausted.
func (o *Orchestrator) backoff(ctx context.Context, attempt int, kind ErrKind) bool {
	if attempt >= o.cfg.MaxAttempts {
		return false
	}
	var wait time.Duration
	switch kind {
	case ErrNonce:
		wait = time.Duration(attempt) * o.cfg.BaseBackoff
	default:
		wait = o.cfg.BaseBackoff << (attempt - 1)
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

// classify extracts the transport error kind; anything unstructured is
// treated as a timeout so it stays retryable.
func classify(err error) ErrKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrTimeout
}

// On registers a listener for the named ledger event.
func (o *Orchestrator) On(name string, fn events.Listener) uuid.UUID {
	if o.bus == nil {
		return uuid.Nil
	}
	return o.bus.On(name, fn)
}

// Off removes a subscription registered with On.
func (o *Orchestrator) Off(name string, id uuid.UUID) {
	if o.bus != nil {
		o.bus.Off(name, id)
	}
}

// accountLocks serializes writes per signing account. Locks are never
// reclaimed; the set of signing accounts is small and stable.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *accountLocks) lock(account string) {
	l.mu.Lock()
	m, ok := l.locks[account]
	if !ok {
		m = &sync.Mutex{}
		l.locks[account] = m
	}
	l.mu.Unlock()
	m.Lock()
}

func (l *accountLocks) unlock(account string) {
	l.mu.Lock()
	m := l.locks[account]
	l.mu.Unlock()
	m.Unlock()
}
