// Package daemon implements the automation rule engine: it matches
// configured rules against task lifecycle events and runs external
// commands under bounded concurrency, recording every firing as an
// append-only execution record.
package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskloom/taskloom"
)

// Trigger binds a rule to an event type, optionally narrowed by a
// boolean-AND field filter (see Matches for the clause grammar).
type Trigger struct {
	Event  string `yaml:"event" json:"event"`
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// Action describes what a rule does when it fires: an external command
// (a template over the task.* and event.* namespaces) and optional
// field updates applied from the command's output.
type Action struct {
	Command string `yaml:"command" json:"command"`

	// Timeout bounds the command execution. Zero means DefaultTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// UpdateFields maps task field names to update directives:
	// "+v" appends v to the array field, "-v" removes it,
	// "{{result.x}}" extracts x from the parsed command output, and
	// anything else is used as a literal value.
	UpdateFields map[string]string `yaml:"update_fields,omitempty" json:"update_fields,omitempty"`
}

// Rule is a declarative trigger→action binding executed by the daemon.
type Rule struct {
	Name    string  `yaml:"name" json:"name"`
	Enabled *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Trigger Trigger `yaml:"trigger" json:"trigger"`
	Action  Action  `yaml:"action" json:"action"`

	// RateLimit caps sustained firings per second for this rule.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	// RateBurst is the token-bucket burst size; defaults to 1 when
	// RateLimit is set.
	RateBurst int `yaml:"rate_burst,omitempty" json:"rate_burst,omitempty"`
	// MaxConcurrency caps concurrent executions of this rule. Zero
	// means only the daemon-wide concurrency bound applies.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// IsEnabled reports whether the rule should fire. Rules are enabled
// unless explicitly disabled.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Config is the daemon's declarative configuration, loaded once at
// startup. Invalid configuration is fatal: the daemon must not start
// with rules it cannot execute.
type Config struct {
	Concurrency int    `yaml:"concurrency" json:"concurrency"`
	Rules       []Rule `yaml:"rules" json:"rules"`
}

// DefaultTimeout bounds command execution when a rule sets none.
const DefaultTimeout = 60 * time.Second

// LoadConfig reads and validates a YAML rule file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("daemon: read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("daemon: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. A missing rule name, trigger
// event, or action command is a configuration error.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		c.Concurrency = taskloom.DefaultConfig().Concurrency
	}
	seen := make(map[string]struct{}, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		switch {
		case r.Name == "":
			return fmt.Errorf("%w: rule %d has no name", taskloom.ErrRuleConfig, i)
		case r.Trigger.Event == "":
			return fmt.Errorf("%w: rule %q has no trigger event", taskloom.ErrRuleConfig, r.Name)
		case r.Action.Command == "":
			return fmt.Errorf("%w: rule %q has no action command", taskloom.ErrRuleConfig, r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate rule name %q", taskloom.ErrRuleConfig, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}
