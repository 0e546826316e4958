// Package routing picks the agent category for a task that names none.
package routing

// Category is an agent category tasks can be routed to. The category name
// doubles as the admission key.
type Category struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Priority    int    `yaml:"priority" json:"priority"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

// Request is the text a routing decision is made from.
type Request struct {
	Description string
	Prompt      string
}

// Result is one routing decision.
type Result struct {
	Category     string   `json:"category"`
	MatchedRules []string `json:"matched_rules"`
	// Fallback is true when no rule matched and the default was used.
	Fallback bool `json:"fallback"`
}
