// Package provider resolves provider names to external CLI invocations
// and wraps the supervisor for single ask-the-model-for-text operations.
// Failure causes are classified from observed process output.
package provider

import (
	"fmt"
	"sort"

	"github.com/crewline/crewline/internal/supervisor"
)

// Invocation is a fully resolved provider command line.
type Invocation struct {
	Command   string
	Args      []string
	Env       map[string]string
	Stdin     string
	ParseMode supervisor.ParseMode
}

// Builder turns a request into a concrete command invocation. The
// engine treats builders as opaque; adding a provider means adding a
// builder.
type Builder interface {
	// Name returns the provider identifier.
	Name() string

	// Build constructs the command line for a request.
	Build(req Request) Invocation
}

// Registry maps provider names to builders.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// DefaultRegistry returns a registry with the built-in providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ClaudeBuilder{})
	r.Register(&CodexBuilder{})
	r.Register(&GeminiBuilder{})
	return r
}

// Register adds a builder, replacing any existing one with the same name.
func (r *Registry) Register(b Builder) {
	r.builders[b.Name()] = b
}

// Resolve returns the builder for a provider name.
func (r *Registry) Resolve(name string) (Builder, error) {
	b, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
	return b, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
