// Package concurrency provides the admission gate that bounds how many tasks
// run at once per concurrency key and across the whole process.
package concurrency

import (
	"math"
	"strings"
	"time"
)

// Unlimited is the resolved limit of a key configured with 0.
// Keys at Unlimited are never counted or queued.
const Unlimited = math.MaxInt

// Config defines the admission gate configuration.
type Config struct {
	// Default is the limit of a key no override matches.
	Default int `yaml:"default"`
	// MaxLimit caps how far auto-scaling may raise a key's limit.
	MaxLimit int `yaml:"max_limit"`
	// GlobalMax bounds admitted work across all keys. 0 disables the cap.
	GlobalMax int `yaml:"global_max"`

	// Overrides, resolved in this order after explicit per-key limits.
	Keys      map[string]int `yaml:"keys"`
	Models    map[string]int `yaml:"models"`
	Providers map[string]int `yaml:"providers"`
	Agents    map[string]int `yaml:"agents"`

	QueueTimeout time.Duration `yaml:"queue_timeout"`

	// Circuit breaker.
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`

	// Auto-scaling streaks.
	ScaleUpAfter   int `yaml:"scale_up_after"`
	ScaleDownAfter int `yaml:"scale_down_after"`

	// PressureThreshold is the heap utilization above which the lowest
	// priority class is rejected.
	PressureThreshold float64 `yaml:"pressure_threshold"`

	// Adaptive window.
	Window        time.Duration `yaml:"window"`
	PerKeyMin     int           `yaml:"per_key_min"`
	PerKeyMax     int           `yaml:"per_key_max"`
	ScaleUpRate   float64       `yaml:"scale_up_rate"`
	ScaleDownRate float64       `yaml:"scale_down_rate"`
	MinSamples    int           `yaml:"min_samples"`
}

// DefaultConfig returns the default admission configuration.
func DefaultConfig() *Config {
	return &Config{
		Default:           3,
		MaxLimit:          10,
		GlobalMax:         30,
		Keys:              map[string]int{},
		Models:            map[string]int{},
		Providers:         map[string]int{},
		Agents:            map[string]int{},
		QueueTimeout:      5 * time.Minute,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
		ScaleUpAfter:      3,
		ScaleDownAfter:    2,
		PressureThreshold: 0.8,
		Window:            time.Minute,
		PerKeyMin:         1,
		PerKeyMax:         10,
		ScaleUpRate:       0.9,
		ScaleDownRate:     0.5,
		MinSamples:        3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Default <= 0 {
		c.Default = d.Default
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	if c.GlobalMax < 0 {
		c.GlobalMax = 0
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.ScaleUpAfter <= 0 {
		c.ScaleUpAfter = d.ScaleUpAfter
	}
	if c.ScaleDownAfter <= 0 {
		c.ScaleDownAfter = d.ScaleDownAfter
	}
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = d.PressureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.PerKeyMin <= 0 {
		c.PerKeyMin = d.PerKeyMin
	}
	if c.PerKeyMax <= 0 {
		c.PerKeyMax = d.PerKeyMax
	}
	if c.ScaleUpRate <= 0 {
		c.ScaleUpRate = d.ScaleUpRate
	}
	if c.ScaleDownRate <= 0 {
		c.ScaleDownRate = d.ScaleDownRate
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	return c
}

// configuredLimit resolves model, provider and agent overrides, then the
// default. A zero result means unlimited.
func (c *Config) configuredLimit(key string) int {
	if n, ok := c.Models[key]; ok {
		return n
	}
	if i := strings.Index(key, "/"); i > 0 {
		if n, ok := c.Providers[key[:i]]; ok {
			return n
		}
	}
	if n, ok := c.Agents[key]; ok {
		return n
	}
	return c.Default
}
