// Package budget gates cost-incurring operations against a per-session
// spending ceiling.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/ashureev/adstudio/internal/domain"
)

// epsilon absorbs float drift when comparing accumulated dollar amounts.
const epsilon = 1e-9

// ErrNotAllowed is returned when Record is handed a rejected decision.
var ErrNotAllowed = errors.New("budget: cannot record a rejected decision")

// Guard enforces a hard ceiling at the session total and raises an advisory
// alert at WarningFraction of it.
type Guard struct {
	warningFraction float64
	logger          *slog.Logger
}

// Decision is the outcome of CanProceed. Record only accepts allowed ones.
type Decision struct {
	Allowed   bool
	Reason    string
	Amount    float64
	Remaining float64
}

// Err converts a rejected decision into a *domain.BudgetExhaustedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.BudgetExhaustedError{Requested: d.Amount, Remaining: d.Remaining}
}

// NewGuard creates a guard. A nil logger uses slog.Default().
func NewGuard(warningFraction float64, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{warningFraction: warningFraction, logger: logger}
}

// CanProceed reports whether estimate fits under the ceiling:
// current + estimate <= total.
func (g *Guard) CanProceed(c domain.Costs, estimate float64) Decision {
	remaining := c.Total - c.Current
	d := Decision{Amount: estimate, Remaining: math.Max(remaining, 0)}
	switch {
	case estimate < 0 || math.IsNaN(estimate):
		d.Reason = fmt.Sprintf("invalid cost estimate %v", estimate)
	case c.Current+estimate > c.Total+epsilon:
		d.Reason = fmt.Sprintf("estimated $%.4f exceeds remaining $%.4f", estimate, d.Remaining)
	default:
		d.Allowed = true
	}
	return d
}

// Record adds actual to the ledger under category. The decision must come
// from CanProceed for the same attempt. An actual cost above what remains
// is capped so the ceiling is never crossed. It returns the amount recorded.
func (g *Guard) Record(c *domain.Costs, d Decision, category string, actual float64) (float64, error) {
	if !d.Allowed {
		return 0, ErrNotAllowed
	}
	if actual < 0 || math.IsNaN(actual) {
		return 0, fmt.Errorf("budget: invalid cost %v", actual)
	}

	remaining := math.Max(c.Total-c.Current, 0)
	if actual > remaining+epsilon {
		g.logger.Warn("actual cost exceeds remaining budget, capping",
			"category", category, "cost", actual, "remaining", remaining, "estimate", d.Amount)
		actual = remaining
	}

	c.Current += actual
	if c.Current > c.Total {
		c.Current = c.Total
	}
	if c.Breakdown == nil {
		c.Breakdown = map[string]float64{}
	}
	c.Breakdown[category] += actual
	c.Remaining = c.Total - c.Current
	c.BudgetAlert = g.Alert(*c)
	return actual, nil
}

// Alert reports whether spend has reached the warning threshold.
func (g *Guard) Alert(c domain.Costs) bool {
	return c.Current >= g.warningFraction*c.Total-epsilon
}
