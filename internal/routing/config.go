package routing

import "fmt"

// Config holds the routing rules.
type Config struct {
	// Enabled toggles keyword routing; when off every task goes to Default.
	Enabled bool `yaml:"enabled"`
	// Default is the category used when no rule matches.
	Default string `yaml:"default"`
	// Rules map keywords or a regex pattern to a category.
	Rules []Rule `yaml:"rules"`
}

// Rule routes matching text to a category.
type Rule struct {
	Keywords []string `yaml:"keywords"`
	Category string   `yaml:"category"`
	Pattern  string   `yaml:"pattern,omitempty"`
}

// DefaultConfig returns the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Default: "general",
		Rules: []Rule{
			{Keywords: []string{"find", "search", "locate", "explore", "map", "where"}, Category: "explore"},
			{Keywords: []string{"implement", "add", "fix", "refactor", "build", "write code"}, Category: "build"},
			{Keywords: []string{"review", "audit", "inspect", "pull request"}, Category: "review"},
			{Keywords: []string{"test", "tests", "coverage", "benchmark"}, Category: "test"},
			{Keywords: []string{"research", "docs for", "look up", "compare"}, Category: "research"},
			{Keywords: []string{"document", "readme", "changelog"}, Category: "docs"},
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Default == "" {
		return fmt.Errorf("routing default category must be set")
	}
	for i, r := range c.Rules {
		if r.Category == "" {
			return fmt.Errorf("routing rule %d has no category", i)
		}
		if len(r.Keywords) == 0 && r.Pattern == "" {
			return fmt.Errorf("routing rule %d has neither keywords nor pattern", i)
		}
	}
	return nil
}
