package catalog

import (
	"fmt"
	"sort"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// Catalog is the immutable provider and model registry. It is built once
// from configuration at startup; all lookups after that are read only, so
// no locking is needed.
type Catalog struct {
	providers []types.Provider
	byID      map[string]*types.Provider
	models    map[types.ModelRef]*types.Model
	pairs     []types.ModelRef
}

// New validates the configured providers and builds the registry.
func New(providers []types.Provider) (*Catalog, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("catalog requires at least one provider")
	}

	c := &Catalog{
		byID:   make(map[string]*types.Provider, len(providers)),
		models: make(map[types.ModelRef]*types.Model),
	}

	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		if len(p.Models) == 0 {
			return nil, fmt.Errorf("provider %q has no models", p.ID)
		}
		c.providers = append(c.providers, p)
		stored := &c.providers[len(c.providers)-1]
		c.byID[p.ID] = stored

		for i := range stored.Models {
			m := &stored.Models[i]
			if m.ID == "" {
				return nil, fmt.Errorf("provider %q has a model with empty id", p.ID)
			}
			ref := types.ModelRef{Provider: p.ID, Model: m.ID}
			if _, dup := c.models[ref]; dup {
				return nil, fmt.Errorf("duplicate model %s", ref)
			}
			c.models[ref] = m
			c.pairs = append(c.pairs, ref)
		}
	}

	// Stable enumeration order regardless of config ordering quirks.
	sort.Slice(c.pairs, func(i, j int) bool {
		return c.pairs[i].String() < c.pairs[j].String()
	})

	return c, nil
}

// Providers returns all catalog entries in configuration order.
func (c *Catalog) Providers() []types.Provider {
	out := make([]types.Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// Provider looks up one provider by id.
func (c *Catalog) Provider(id string) (*types.Provider, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Model looks up one model by ref.
func (c *Catalog) Model(ref types.ModelRef) (*types.Model, bool) {
	m, ok := c.models[ref]
	return m, ok
}

// Pairs enumerates every provider:model candidate in lexical order.
func (c *Catalog) Pairs() []types.ModelRef {
	out := make([]types.ModelRef, len(c.pairs))
	copy(out, c.pairs)
	return out
}

// PairsForProvider enumerates the candidates under a single provider.
func (c *Catalog) PairsForProvider(id string) []types.ModelRef {
	var out []types.ModelRef
	for _, ref := range c.pairs {
		if ref.Provider == id {
			out = append(out, ref)
		}
	}
	return out
}

// Len reports the number of provider:model pairs.
func (c *Catalog) Len() int {
	return len(c.pairs)
}
