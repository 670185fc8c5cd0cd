// Package queue provides per-rule rate limiting and concurrency caps
// for the automation daemon.
//
// Each rule may declare a token-bucket rate limit (sustained firings
// per second with an optional burst) and a concurrency cap independent
// of the daemon's global worker bound. Rules without limits always
// acquire. The daemon consults the limiter before starting an
// execution and requeues firings that are denied.
package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/taskloom/taskloom/daemon"
)

// ruleState tracks runtime limiter state for a single rule.
type ruleState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// Limiter applies per-rule rate limits and concurrency caps. It
// implements the daemon's RuleLimiter and is safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	rules map[string]*ruleState
}

// NewLimiter creates a Limiter from the daemon rule set. Rules without
// rate_limit or max_concurrency settings are unrestricted.
func NewLimiter(rules []daemon.Rule) *Limiter {
	l := &Limiter{rules: make(map[string]*ruleState, len(rules))}
	for _, r := range rules {
		if r.RateLimit <= 0 && r.MaxConcurrency <= 0 {
			continue
		}
		l.rules[r.Name] = newRuleState(r)
	}
	return l
}

func newRuleState(r daemon.Rule) *ruleState {
	rs := &ruleState{maxConcurrency: r.MaxConcurrency}
	if r.RateLimit > 0 {
		burst := r.RateBurst
		if burst <= 0 {
			burst = 1
		}
		rs.limiter = rate.NewLimiter(rate.Limit(r.RateLimit), burst)
	}
	return rs
}

// Acquire checks the rule's rate limit and concurrency cap. If the
// firing may proceed it increments the active counter and returns
// true. The caller MUST call Release when the execution completes.
func (l *Limiter) Acquire(rule string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs := l.rules[rule]
	if rs == nil {
		return true
	}
	if rs.limiter != nil && !rs.limiter.Allow() {
		return false
	}
	if rs.maxConcurrency > 0 && rs.active >= rs.maxConcurrency {
		return false
	}
	rs.active++
	return true
}

// Release frees the rule's concurrency slot.
func (l *Limiter) Release(rule string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rs := l.rules[rule]; rs != nil && rs.active > 0 {
		rs.active--
	}
}

// SetRule dynamically updates (or adds) limits for a rule, preserving
// the current active count across the swap.
func (l *Limiter) SetRule(r daemon.Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs := newRuleState(r)
	if existing := l.rules[r.Name]; existing != nil {
		rs.active = existing.active
	}
	l.rules[r.Name] = rs
}

// ActiveCount returns the number of executions currently holding a
// slot for the rule.
func (l *Limiter) ActiveCount(rule string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rs := l.rules[rule]; rs != nil {
		return rs.active
	}
	return 0
}

var _ daemon.RuleLimiter = (*Limiter)(nil)
