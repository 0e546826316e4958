package routing

import (
	"regexp"
	"strings"
)

// Router resolves a category for a request.
type Router interface {
	Route(req Request) Result
}

// KeywordRouter scores categories by matched rules.
type KeywordRouter struct {
	config   *Config
	registry *Registry
}

// NewRouter creates a keyword router.
func NewRouter(cfg *Config, reg *Registry) *KeywordRouter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if reg == nil {
		reg = NewRegistry()
		reg.RegisterDefaults()
	}
	return &KeywordRouter{config: cfg, registry: reg}
}

// Route picks the enabled category with the most matching rules. Ties go
// to the higher priority category.
func (r *KeywordRouter) Route(req Request) Result {
	if !r.config.Enabled {
		return Result{Category: r.config.Default, Fallback: true}
	}

	text := strings.ToLower(req.Description + " " + req.Prompt)

	scores := make(map[string]int)
	var matched []string
	for _, rule := range r.config.Rules {
		if r.matchesRule(text, rule) {
			scores[rule.Category]++
			matched = append(matched, rule.Category+":"+strings.Join(rule.Keywords, ","))
		}
	}

	best, bestScore := "", 0
	for _, c := range r.registry.Enabled() {
		if s := scores[c.Name]; s > bestScore {
			best, bestScore = c.Name, s
		}
	}
	if best == "" {
		return Result{Category: r.config.Default, MatchedRules: matched, Fallback: true}
	}
	return Result{Category: best, MatchedRules: matched}
}

func (r *KeywordRouter) matchesRule(text string, rule Rule) bool {
	if rule.Pattern != "" {
		if matched, err := regexp.MatchString(rule.Pattern, text); err == nil && matched {
			return true
		}
	}
	for _, keyword := range rule.Keywords {
		if containsWord(text, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// containsWord checks if text contains keyword as a whole word.
func containsWord(text, keyword string) bool {
	// Multi-word keywords like "pull request" use simple contains.
	if strings.Contains(keyword, " ") {
		return strings.Contains(text, keyword)
	}
	for _, word := range strings.Fields(text) {
		if strings.Trim(word, ".,;:!?\"'()[]{}") == keyword {
			return true
		}
	}
	return false
}

// Config returns the router's configuration.
func (r *KeywordRouter) Config() *Config {
	return r.config
}
