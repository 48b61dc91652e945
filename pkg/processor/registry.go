package processor

import (
	"context"
	"hash/fnv"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// RegistryConfig tunes the Registry's instance cache. Trimmed from the
// teacher's tools.RegistryConfig: this engine needs a static registration
// table and a bounded instance cache, not hot-reload, dynamic loaders, or
// migration handlers (see SPEC_FULL.md §4.5 and DESIGN.md).
type RegistryConfig struct {
	MaxCachedInstances int
	Logger             *zap.Logger
}

func (c *RegistryConfig) setDefaults() {
	if c.MaxCachedInstances <= 0 {
		c.MaxCachedInstances = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type cachedInstance struct {
	processor Processor
	initOnce  sync.Once
	initErr   error
}

// Registry resolves stage processors by name, caching instances by
// (name, stable-hash(config)) and initializing them on first resolution,
// grounded on the source system's processors/registry.py ProcessorRegistry
// and structurally on the teacher's tools.Registry name->factory map.
type Registry struct {
	cfg RegistryConfig

	mu        sync.RWMutex
	factories map[string]Factory
	deps      map[string]any
	cache     *lru.Cache[string, *cachedInstance]
}

// New constructs an empty Registry.
func New(cfg RegistryConfig) *Registry {
	cfg.setDefaults()
	cache, _ := lru.NewWithEvict[string, *cachedInstance](cfg.MaxCachedInstances, nil)
	return &Registry{
		cfg:       cfg,
		factories: make(map[string]Factory),
		deps:      make(map[string]any),
		cache:     cache,
	}
}

// Register adds a factory under name. Registering the same name twice
// replaces the factory; already-cached instances of the old factory are
// left alone until evicted.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Unregister removes a factory so future Get calls for name fail.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
}

// RegisterDependency makes a named collaborator available for injection by
// convention: a config map entry "_dep:<name>" resolves to it. This mirrors
// the source system's attribute-name-convention dependency injection without
// reflection over struct fields.
func (r *Registry) RegisterDependency(name string, dep any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps[name] = dep
}

// ListProcessors returns every registered factory name.
func (r *Registry) ListProcessors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get resolves name with config, constructing and initializing a fresh
// instance on first resolution and reusing the cached instance for an
// identical (name, config) pair thereafter.
func (r *Registry) Get(ctx context.Context, name string, config map[string]any) (Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	deps := r.deps
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("processor registry: %q not registered", name)
	}

	key := instanceKey(name, config)
	r.mu.Lock()
	inst, found := r.cache.Get(key)
	if !found {
		inst = &cachedInstance{}
		r.cache.Add(key, inst)
	}
	r.mu.Unlock()

	inst.initOnce.Do(func() {
		injected := injectDependencies(config, deps)
		p, err := factory(injected)
		if err != nil {
			inst.initErr = err
			return
		}
		if err := p.Initialize(ctx); err != nil {
			inst.initErr = fmt.Errorf("initialize %q: %w", name, err)
			return
		}
		inst.processor = p
	})
	if inst.initErr != nil {
		return nil, inst.initErr
	}
	return inst.processor, nil
}

// injectDependencies resolves "_dep:<name>" config values against the
// registry's dependency table, returning a copy so the caller's map is
// never mutated.
func injectDependencies(config map[string]any, deps map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		if s, ok := v.(string); ok {
			if name, isDep := depRef(s); isDep {
				if d, ok := deps[name]; ok {
					out[k] = d
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func depRef(s string) (name string, ok bool) {
	const prefix = "_dep:"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// instanceKey computes a stable (name, config) cache key via canonical JSON
// plus FNV-1a. No library in the retrieval pack provides stable struct
// hashing beyond what a canonical encoder already gives us; this one helper
// stays on the standard library (see DESIGN.md).
func instanceKey(name string, config map[string]any) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(config))
	for _, k := range keys {
		ordered[k] = config[k]
	}
	buf, _ := json.Marshal(ordered)
	h := fnv.New64a()
	_, _ = h.Write(buf)
	return fmt.Sprintf("%s:%x", name, h.Sum64())
}

// Shutdown cleans up every cached instance.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	keys := r.cache.Keys()
	r.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		r.mu.RLock()
		inst, ok := r.cache.Peek(k)
		r.mu.RUnlock()
		if !ok || inst.processor == nil {
			continue
		}
		if err := inst.processor.Cleanup(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	r.cache.Purge()
	r.mu.Unlock()
	return firstErr
}
