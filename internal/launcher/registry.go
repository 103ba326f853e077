package launcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/basket/go-company/internal/config"
)

// Registry resolves provider names to launchers. It is rebuilt on config
// reload with Replace.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
	fallback  string
}

// NewRegistry builds launchers for every provider entry. The first provider
// serves agents whose provider is empty.
func NewRegistry(providers []config.ProviderConfig) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(providers); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Replace(providers []config.ProviderConfig) error {
	built := make(map[string]Launcher, len(providers))
	fallback := ""
	for _, p := range providers {
		l, err := FromConfig(p)
		if err != nil {
			return err
		}
		built[p.Name] = l
		if fallback == "" {
			fallback = p.Name
		}
	}
	r.mu.Lock()
	r.launchers = built
	r.fallback = fallback
	r.mu.Unlock()
	return nil
}

// Set registers l under name, replacing any previous entry.
func (r *Registry) Set(name string, l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launchers == nil {
		r.launchers = make(map[string]Launcher)
	}
	r.launchers[name] = l
	if r.fallback == "" {
		r.fallback = name
	}
}

func (r *Registry) Get(name string) (Launcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	l, ok := r.launchers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return l, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.launchers))
	for name := range r.launchers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
