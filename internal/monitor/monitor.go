package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/ledger"
	"github.com/loanlife/loanledger/internal/orchestrator"
)

// Config holds integrity monitor configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe is one named check run on every monitor cycle.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(probe string, success bool)

// Monitor runs periodic integrity probes. A probe that fails
// FailThreshold consecutive cycles is reported degraded on the event
// bus; the next success reports recovery.
type Monitor struct {
	probes     []Probe
	failCounts map[string]int
	mu         sync.Mutex
	cfg        Config
	bus        *events.Bus
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a Monitor. bus may be nil.
func New(cfg Config, bus *events.Bus, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Monitor{
		failCounts: make(map[string]int),
		cfg:        cfg,
		bus:        bus,
		logger:     logger,
	}
}

// AddProbe registers a probe to run each cycle.
func (m *Monitor) AddProbe(p Probe) {
	m.probes = append(m.probes, p)
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Start runs the monitor loop until quit is closed.
func (m *Monitor) Start(quit <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
			m.CheckAll(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// CheckAll runs every probe once and applies the threshold transitions.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			m.runProbe(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (m *Monitor) runProbe(ctx context.Context, p Probe) {
	err := p.Check(ctx)
	success := err == nil

	if m.onMetrics != nil {
		m.onMetrics(p.Name, success)
	}

	m.mu.Lock()
	prevCount := m.failCounts[p.Name]
	if success {
		m.failCounts[p.Name] = 0
	} else {
		m.failCounts[p.Name]++
	}
	count := m.failCounts[p.Name]
	m.mu.Unlock()

	switch {
	case success && prevCount >= m.cfg.FailThreshold:
		m.logger.Info("monitor: probe recovered", zap.String("probe", p.Name))
	case !success && count == m.cfg.FailThreshold:
		m.logger.Warn("monitor: probe degraded",
			zap.String("probe", p.Name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		if m.bus != nil {
			m.bus.Emit(events.IntegrityDegraded, map[string]any{
				"probe": p.Name,
				"error": err.Error(),
			})
		}
	case !success:
		m.logger.Warn("monitor: probe failed",
			zap.String("probe", p.Name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// LedgerProbe verifies the full audit chain.
func LedgerProbe(l ledger.Ledger) Probe {
	return Probe{
		Name: "audit_chain",
		Check: func(ctx context.Context) error {
			return l.VerifyChain(ctx)
		},
	}
}

// TransportProbe checks settlement network reachability.
func TransportProbe(t orchestrator.Transport) Probe {
	return Probe{
		Name: "transport",
		Check: func(ctx context.Context) error {
			_, err := t.CurrentPrice(ctx)
			return err
		},
	}
}
