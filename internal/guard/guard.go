// Package guard enforces the privacy policy: the epsilon budget, the
// anonymity group size and which metadata keys count as sensitive.
package guard

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// budgetTolerance absorbs float accumulation so that exactly
// TotalBudget/cost calls fit in the budget.
const budgetTolerance = 1e-9

// Policy defines the privacy limits for an engine.
type Policy struct {
	Epsilon             float64  `json:"epsilon" yaml:"epsilon" env:"EPSILON"`
	TotalBudget         float64  `json:"total_budget" yaml:"total_budget" env:"TOTAL_BUDGET"`
	CostFraction        float64  `json:"cost_fraction" yaml:"cost_fraction" env:"COST_FRACTION"`
	K                   int      `json:"k" yaml:"k" env:"K"`
	GroupCapacityFactor int      `json:"group_capacity_factor" yaml:"group_capacity_factor" env:"GROUP_CAPACITY_FACTOR"`
	SensitiveKeys       []string `json:"sensitive_keys" yaml:"sensitive_keys" env:"SENSITIVE_KEYS"`
}

// DefaultPolicy provides the standard limits.
var DefaultPolicy = Policy{
	Epsilon:             1.0,
	TotalBudget:         10.0,
	CostFraction:        0.1,
	K:                   5,
	GroupCapacityFactor: 2,
	SensitiveKeys:       []string{"userid", "personalid", "ssn", "email", "phone", "address"},
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

func (v *Violation) Error() string {
	return v.Rule + ": " + v.Message
}

// Guard enforces the policy.
type Guard struct {
	policy   Policy
	patterns []string
}

func New(p Policy) *Guard {
	patterns := make([]string, 0, len(p.SensitiveKeys))
	for _, k := range p.SensitiveKeys {
		patterns = append(patterns, strings.ToLower(k))
	}
	return &Guard{policy: p, patterns: patterns}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Cost is the budget consumed by one privatization.
func (g *Guard) Cost() float64 {
	return g.policy.Epsilon * g.policy.CostFraction
}

// GroupCapacity is the member count at which a group stops accepting users.
func (g *Guard) GroupCapacity() int {
	factor := g.policy.GroupCapacityFactor
	if factor < 1 {
		factor = 1
	}
	return g.policy.K * factor
}

// CheckBudget verifies that one more privatization fits in the budget.
func (g *Guard) CheckBudget(used float64) *Violation {
	if used+g.Cost() > g.policy.TotalBudget+budgetTolerance {
		return &Violation{
			Rule:    "total_budget",
			Message: fmt.Sprintf("privacy budget exhausted: used %.2f of %.2f", used, g.policy.TotalBudget),
			Fatal:   true,
		}
	}
	return nil
}

// CheckGroup verifies that a group has at least k members.
func (g *Guard) CheckGroup(size int) *Violation {
	if size < g.policy.K {
		return &Violation{
			Rule:    "k_anonymity",
			Message: fmt.Sprintf("group size %d below k=%d", size, g.policy.K),
			Fatal:   false,
		}
	}
	return nil
}

// IsSensitive reports whether a metadata key must be encrypted. Keys are
// matched case-insensitively against the policy's glob patterns.
func (g *Guard) IsSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range g.patterns {
		match, err := doublestar.Match(pattern, lower)
		if err == nil && match {
			return true
		}
	}
	return false
}

// Validate reports policy values that cannot be enforced.
func (p Policy) Validate() error {
	switch {
	case p.Epsilon <= 0:
		return fmt.Errorf("epsilon must be positive")
	case p.TotalBudget <= 0:
		return fmt.Errorf("total budget must be positive")
	case p.CostFraction <= 0 || p.CostFraction > 1:
		return fmt.Errorf("cost fraction must be in (0, 1]")
	case p.K < 1:
		return fmt.Errorf("k must be at least 1")
	}
	for _, pattern := range p.SensitiveKeys {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid sensitive key pattern %q", pattern)
		}
	}
	return nil
}
