package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Type selects a backend implementation.
type Type string

// Built-in backend types.
const (
	TypeReference Type = "reference"
	TypeRemote    Type = "remote"
)

// ErrUnknownType is returned by Create for an unregistered backend type.
var ErrUnknownType = errors.New("unknown backend type")

// Factory constructs a backend for the model at modelPath.
type Factory func(ctx context.Context, modelPath string, opts Options) (Backend, error)

// OptionDoc documents one recognized option key.
type OptionDoc struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Default string `json:"default,omitempty"`
	Help    string `json:"help"`
}

// Registration describes a backend type.
type Registration struct {
	Factory     Factory
	Description string
	Options     []OptionDoc
}

// Info is the listing entry for a registered backend type.
type Info struct {
	Type        Type        `json:"type"`
	Description string      `json:"description"`
	Options     []OptionDoc `json:"options"`
}

// Registry maps backend types to their factories.
type Registry struct {
	mu    sync.RWMutex
	types map[Type]Registration
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[Type]Registration),
	}
}

// Register adds a backend type, replacing any previous registration.
func (r *Registry) Register(typ Type, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typ] = reg
}

// Create constructs a backend of the given type. Construction failures are
// returned wrapped with the backend type.
func (r *Registry) Create(ctx context.Context, typ Type, modelPath string, opts Options) (Backend, error) {
	r.mu.RLock()
	reg, ok := r.types[typ]
	r.mu.RUnlock()

	if !ok {
		if near := r.closest(typ); near != "" {
			return nil, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownType, typ, near)
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	if opts == nil {
		opts = Options{}
	}
	b, err := reg.Factory(ctx, modelPath, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", typ, err)
	}
	return b, nil
}

// List returns all registered backend types, sorted by name for a stable
// API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.types))
	for typ, reg := range r.types {
		infos = append(infos, Info{
			Type:        typ,
			Description: reg.Description,
			Options:     reg.Options,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// closest returns the registered type nearest to typ by edit distance, or ""
// when nothing is reasonably close.
func (r *Registry) closest(typ Type) Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Type
	bestDist := -1
	for t := range r.types {
		d := levenshtein.ComputeDistance(string(typ), string(t))
		if bestDist < 0 || d < bestDist || (d == bestDist && t < best) {
			best, bestDist = t, d
		}
	}
	if bestDist < 0 || bestDist > len(typ)/2+1 {
		return ""
	}
	return best
}
