// Package provider holds the catalog of agent CLIs the orchestrator can launch
// and the compiled regex families used to interpret their output.
package provider

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/iambrandonn/agentq/internal/protocol"
)

// Definition is the declarative form of a provider as it appears in config
// and provider files
type Definition struct {
	Name               string            `yaml:"name" mapstructure:"name" json:"name"`
	Command            string            `yaml:"command" mapstructure:"command" json:"command"`
	Args               []string          `yaml:"args,omitempty" mapstructure:"args" json:"args,omitempty"`
	Env                map[string]string `yaml:"env,omitempty" mapstructure:"env" json:"env,omitempty"`
	ReadyPattern       string            `yaml:"ready_pattern,omitempty" mapstructure:"ready_pattern" json:"ready_pattern,omitempty"`
	CompletionPatterns []string          `yaml:"completion_patterns,omitempty" mapstructure:"completion_patterns" json:"completion_patterns,omitempty"`
	ErrorPatterns      []string          `yaml:"error_patterns,omitempty" mapstructure:"error_patterns" json:"error_patterns,omitempty"`
	TTY                bool              `yaml:"tty,omitempty" mapstructure:"tty" json:"tty,omitempty"`
}

// Provider is a compiled, immutable Definition
type Provider struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	TTY     bool

	readyPattern       *regexp.Regexp // nil: ready as soon as spawned
	completionPatterns []*regexp.Regexp
	errorPatterns      []*regexp.Regexp
}

// Compile validates a definition and compiles its patterns
func Compile(def Definition) (*Provider, error) {
	if def.Name == "" {
		return nil, protocol.ValidationError("compileProvider", "provider name is required")
	}
	if def.Command == "" {
		return nil, protocol.ValidationError("compileProvider", "provider %s: command is required", def.Name)
	}

	p := &Provider{
		Name:    def.Name,
		Command: def.Command,
		Args:    append([]string(nil), def.Args...),
		Env:     make(map[string]string, len(def.Env)),
		TTY:     def.TTY,
	}
	for k, v := range def.Env {
		p.Env[k] = v
	}

	if def.ReadyPattern != "" {
		re, err := regexp.Compile(def.ReadyPattern)
		if err != nil {
			return nil, protocol.ValidationError("compileProvider", "provider %s: invalid ready_pattern %q: %v", def.Name, def.ReadyPattern, err)
		}
		p.readyPattern = re
	}

	var err error
	if p.completionPatterns, err = compileAll(def.Name, "completion_patterns", def.CompletionPatterns); err != nil {
		return nil, err
	}
	if p.errorPatterns, err = compileAll(def.Name, "error_patterns", def.ErrorPatterns); err != nil {
		return nil, err
	}

	return p, nil
}

func compileAll(name, field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, protocol.ValidationError("compileProvider", "provider %s: invalid %s entry %q: %v", name, field, pat, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// HasReadyPattern reports whether readiness must be observed in output
func (p *Provider) HasReadyPattern() bool {
	return p.readyPattern != nil
}

// IsReady reports whether output signals the agent is ready for commands
func (p *Provider) IsReady(output string) bool {
	return p.readyPattern == nil || p.readyPattern.MatchString(output)
}

// MatchesCompletion reports whether output ends a task successfully
func (p *Provider) MatchesCompletion(output string) bool {
	return matchAny(p.completionPatterns, output)
}

// MatchesError reports whether stderr output signals an agent failure
func (p *Provider) MatchesError(output string) bool {
	return matchAny(p.errorPatterns, output)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Registry is the concurrency-safe provider catalog. Registered providers
// are never replaced or removed.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry creates a registry from definitions
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider)}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles and adds a provider. A duplicate name is a ValidationError.
func (r *Registry) Register(def Definition) error {
	p, err := Compile(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name]; exists {
		return protocol.ValidationError("registerProvider", "provider %s already registered", p.Name)
	}
	r.providers[p.Name] = p
	return nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Get looks up a provider by name
func (r *Registry) Get(name string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, protocol.ValidationError("getProvider", "unknown provider: %s", name)
	}
	return p, nil
}

// Names returns registered provider names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer for log output
func (r *Registry) String() string {
	return fmt.Sprintf("providers%v", r.Names())
}
