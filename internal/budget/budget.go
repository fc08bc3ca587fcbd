package budget

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/newsdesk/config"
)

// Config defines spend guardrails for one daily run. Zero values disable a limit.
type Config struct {
	MaxCost     float64
	MaxTokens   int64
	MaxDuration time.Duration
}

// FromConfig converts the budget section of the application config.
func FromConfig(c config.BudgetConfig) Config {
	return Config{MaxCost: c.MaxCostUSD, MaxTokens: c.MaxTokens}
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative")
	}
	return nil
}

// IsZero reports whether the config defines no limits.
func (c Config) IsZero() bool {
	return c.MaxCost == 0 && c.MaxTokens == 0 && c.MaxDuration == 0
}
