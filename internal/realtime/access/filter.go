// Package access decides which connections may receive which events.
//
// Evaluation order for a (connection, event) pair, first decisive rule wins:
//  1. a non-empty target list admits exactly the listed users;
//  2. otherwise the connection must be subscribed to the event topic;
//  3. the topic's rule from the table decides;
//  4. topics without a rule fall back to the default policy (deny unless
//     configured otherwise).
package access

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"realtime/internal/realtime"
)

// DefaultPolicy applies to subscribed topics that have no rule.
type DefaultPolicy string

const (
	PolicyDeny  DefaultPolicy = "deny"
	PolicyAllow DefaultPolicy = "allow"
)

func ParseDefaultPolicy(s string) (DefaultPolicy, error) {
	switch p := DefaultPolicy(s); p {
	case PolicyDeny, PolicyAllow:
		return p, nil
	case "":
		return PolicyDeny, nil
	default:
		return "", fmt.Errorf("unknown default access policy %q", s)
	}
}

// ruleSet is immutable once published.
type ruleSet struct {
	rules    map[string]Rule
	fallback DefaultPolicy
}

type Filter struct {
	mu       sync.Mutex
	base     map[string]Rule
	declared map[string]Rule
	fallback DefaultPolicy
	override DefaultPolicy

	current atomic.Pointer[ruleSet]
}

// NewFilter returns a filter seeded with DefaultRules.
func NewFilter(fallback DefaultPolicy) *Filter {
	if fallback == "" {
		fallback = PolicyDeny
	}

	f := &Filter{
		base:     DefaultRules(),
		declared: make(map[string]Rule),
		fallback: fallback,
	}
	f.publish()

	return f
}

// Register adds or replaces the code-defined rule for topic. Rules declared by
// a policy file take precedence.
func (f *Filter) Register(topic string, rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.base[topic] = rule
	f.publish()
}

// Apply installs the rules declared by p, replacing any previously applied
// policy. It fails without changing the filter if any topic is invalid.
func (f *Filter) Apply(p Policy) error {
	declared := make(map[string]Rule, len(p.Topics))
	for topic, tp := range p.Topics {
		rule, err := tp.Rule()
		if err != nil {
			return fmt.Errorf("topic %s: %w", topic, err)
		}
		declared[topic] = rule
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.declared = declared
	f.override = p.Default
	f.publish()

	return nil
}

// publish must be called with mu held.
func (f *Filter) publish() {
	rules := maps.Clone(f.base)
	maps.Copy(rules, f.declared)

	fallback := f.fallback
	if f.override != "" {
		fallback = f.override
	}

	f.current.Store(&ruleSet{rules: rules, fallback: fallback})
}

// IsEligible reports whether conn may receive event.
func (f *Filter) IsEligible(conn realtime.Connection, event realtime.Event) bool {
	if event.Targeted() {
		return event.Targets(conn.UserID)
	}

	if !conn.Subscribed(event.Topic) {
		return false
	}

	rs := f.current.Load()
	if rule, ok := rs.rules[event.Topic]; ok {
		return rule(conn, event.Payload)
	}

	return rs.fallback == PolicyAllow
}

// Classified reports whether topic currently has a rule.
func (f *Filter) Classified(topic string) bool {
	_, ok := f.current.Load().rules[topic]
	return ok
}

// Topics lists topics that currently have a rule.
func (f *Filter) Topics() []string {
	return slices.Sorted(maps.Keys(f.current.Load().rules))
}

// Fallback returns the policy in force for topics without a rule.
func (f *Filter) Fallback() DefaultPolicy {
	return f.current.Load().fallback
}
