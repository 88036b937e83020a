// Package agent holds the domain agents that resolve validated player
// actions: dialogue, combat, and exploration. Agents propose deltas and
// events; they never write world state themselves.
package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
)

// Agent resolves one slice of a turn. Handle may return a completed
// result, hand off to another agent, pause for player input, or fail.
type Agent interface {
	Name() string
	Tools() []llm.Tool
	Handle(ctx context.Context, turn domain.Turn, pack domain.ContextPack,
		directive domain.PlotDirective, tools *ToolContext) (domain.DomainResult, error)
}

// Registry maps agent names to agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Get resolves an agent by name. Handing off to an unknown agent is a
// structural fault, not a creative choice.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrAgentNotFound.Code,
			"no agent registered under "+name)
	}
	return a, nil
}

// List returns the registered agent names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
