package llm

import (
	"sort"
	"sync"

	"github.com/skald-rpg/engine/internal/domain"
)

// Profile is the model configuration a role runs with.
type Profile struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Registry maps roles to model profiles. Roles not explicitly
// registered fall back to the default profile.
type Registry struct {
	mu          sync.RWMutex
	profiles    map[Role]Profile
	defaultProf Profile
}

func NewRegistry(defaultProf Profile) *Registry {
	return &Registry{
		profiles:    make(map[Role]Profile),
		defaultProf: defaultProf,
	}
}

func (r *Registry) Register(role Role, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[role] = p
}

// Profile returns the profile for role, falling back to the default.
func (r *Registry) Profile(role Role) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[role]; ok {
		return p
	}
	return r.defaultProf
}

// Roles lists explicitly registered roles in sorted order.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]Role, 0, len(r.profiles))
	for role := range r.profiles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Require returns the profile for role or an error if the role was
// never registered and no default model is configured.
func (r *Registry) Require(role Role) (Profile, error) {
	p := r.Profile(role)
	if p.Model == "" {
		return Profile{}, domain.NewEngineError(domain.ErrRoleNotRegistered.Code,
			"no model profile for role "+string(role))
	}
	return p, nil
}
