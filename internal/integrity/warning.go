// Package integrity collects StaleDataWarnings raised by secondary cross-checks.
// A warning is logged and counted, never fatal.
package integrity

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"etf-vault/internal/metrics"
)

// Kind names the cross-check that disagreed.
type Kind string

const (
	FactoryLength  Kind = "factory_length"
	TokenLength    Kind = "token_length"
	SequenceLength Kind = "sequence_length"
	PriceAge       Kind = "price_age"
	PriceInvalid   Kind = "price_invalid"
)

// Warning is one disagreement between two sources for the same fact.
type Warning struct {
	Kind     Kind           `json:"kind"`
	Subject  common.Address `json:"subject"`
	Detail   string         `json:"detail"`
	Expected uint64         `json:"expected"`
	Observed uint64         `json:"observed"`
}

// Collector gathers the warnings of one refresh cycle. A nil Collector drops everything.
type Collector struct {
	mu       sync.Mutex
	warnings []Warning
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewCollector builds a collector that logs at warn level.
func NewCollector(logger zerolog.Logger, m *metrics.Metrics) *Collector {
	return &Collector{logger: logger.With().Str("component", "integrity").Logger(), metrics: m}
}

// Report records w.
func (c *Collector) Report(w Warning) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.warnings = append(c.warnings, w)
	c.mu.Unlock()

	c.metrics.StaleData(string(w.Kind))
	c.logger.Warn().
		Str("kind", string(w.Kind)).
		Str("subject", w.Subject.Hex()).
		Uint64("expected", w.Expected).
		Uint64("observed", w.Observed).
		Msg(w.Detail)
}

// Warnings returns a copy of everything reported so far.
func (c *Collector) Warnings() []Warning {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Warning(nil), c.warnings...)
}
