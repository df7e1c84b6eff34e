package billing

import (
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry maps operations ("GET /v1/echo") to pricing strategies.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Strategy)}
}

// Operation names a route the way the registry keys it.
func Operation(method string, path string) string {
	return strings.ToUpper(method) + " " + path
}

func (r *Registry) Register(operation string, s Strategy) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("billing: rule %q: %w", operation, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[operation] = s
	return nil
}

func (r *Registry) Lookup(operation string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rules[operation]
	return s, ok
}

func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.rules))
	for op := range r.rules {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

type ruleFile struct {
	Rules []struct {
		Operation string `yaml:"operation"`
		Strategy  string `yaml:"strategy"`
		Price     string `yaml:"price"`
		Unit      string `yaml:"unit"`
	} `yaml:"rules"`
}

// LoadRegistry reads pricing rules from YAML.
func LoadRegistry(r io.Reader) (*Registry, error) {
	var file ruleFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("billing: parse rules: %w", err)
	}
	registry := NewRegistry()
	for _, rule := range file.Rules {
		kind, err := ParseKind(rule.Strategy)
		if err != nil {
			return nil, fmt.Errorf("billing: rule %q: %w", rule.Operation, err)
		}
		s := Strategy{Kind: kind, Unit: rule.Unit}
		if rule.Price != "" {
			price, ok := new(big.Int).SetString(rule.Price, 10)
			if !ok {
				return nil, fmt.Errorf("billing: rule %q: %w: %q", rule.Operation, ErrInvalidPrice, rule.Price)
			}
			s.Price = price
		}
		if err := registry.Register(rule.Operation, s); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
