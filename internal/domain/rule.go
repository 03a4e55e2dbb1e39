package domain

import "time"

// CustomRuleConfig defines an operator-supplied CEL rule that adds weight to
// the built-in species table.
type CustomRuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Species restricts the rule to one species. Empty applies to all.
	Species Species `json:"species,omitempty"`

	// CEL expression to evaluate. Must return bool, int or double.
	Expression string `json:"expression"`

	// Weight added to the raw score when the expression holds.
	Weight float64 `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// AppliesTo reports whether the rule should run for species.
func (r *CustomRuleConfig) AppliesTo(species Species) bool {
	return r.Enabled && (r.Species == "" || r.Species == species)
}
