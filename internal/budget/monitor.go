package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks actual usage against configured limits during a run.
type Monitor struct {
	config     Config
	costUsed   float64
	tokensUsed int64
	startTime  time.Time
	mu         sync.Mutex
}

// NewMonitor starts tracking usage against cfg.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg,
		startTime: time.Now(),
	}
}

// Add records incremental cost and tokens, returning an error if any limit is breached.
func (m *Monitor) Add(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	return m.check()
}

// Check reports a breach without recording new usage.
func (m *Monitor) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	return m.checkTime()
}

func (m *Monitor) check() error {
	if m.config.MaxCost > 0 && m.costUsed > m.config.MaxCost {
		return ErrExceeded{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", m.config.MaxCost),
		}
	}
	if m.config.MaxTokens > 0 && m.tokensUsed > m.config.MaxTokens {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", m.config.MaxTokens),
		}
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkTime()
}

func (m *Monitor) checkTime() error {
	if m.config.MaxDuration <= 0 {
		return nil
	}
	elapsed := time.Since(m.startTime)
	if elapsed > m.config.MaxDuration {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.String(),
			Limit: m.config.MaxDuration.String(),
		}
	}
	return nil
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (cost float64, tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokensUsed, time.Since(m.startTime)
}

// Config returns the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}
