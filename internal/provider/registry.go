package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Factory builds a backend from its descriptor.
type Factory func(desc *Descriptor) (Provider, error)

// entry holds one discovered provider. Instantiation is deferred until the
// provider is first used so that a broken or credential-less provider does
// not prevent jobs that never touch it.
type entry struct {
	desc     *Descriptor
	once     sync.Once
	provider Provider
	err      error
}

// Registry maps provider names to lazily constructed backends.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Factory
	entries  map[string]*entry
}

// NewRegistry creates an empty registry. Backends register their runtimes
// before Discover runs.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]Factory),
		entries:  make(map[string]*entry),
	}
}

// RegisterRuntime binds a runtime name to a backend factory.
func (r *Registry) RegisterRuntime(runtime string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[runtime] = f
}

// Discover scans <dir>/<name>/defaults.yaml and registers each descriptor.
// Directories are visited in sorted order so discovery is deterministic.
// A missing directory is not an error: the built-in descriptors may be the
// only providers configured.
func (r *Registry) Discover(dir string) error {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading providers dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name, "defaults.yaml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		desc, err := LoadDescriptor(path)
		if err != nil {
			return err
		}
		if desc.Name != name {
			return fmt.Errorf("provider descriptor %s declares name %q, expected %q", path, desc.Name, name)
		}
		if err := r.Add(desc); err != nil {
			return err
		}
	}
	return nil
}

// Add registers a descriptor directly. Used for built-in providers and in
// tests.
func (r *Registry) Add(desc *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("provider %s registered twice", desc.Name)
	}
	if _, ok := r.runtimes[desc.Runtime]; !ok {
		return fmt.Errorf("provider %s uses unknown runtime %q", desc.Name, desc.Runtime)
	}
	r.entries[desc.Name] = &entry{desc: desc}
	return nil
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capable lists providers declaring a capability, sorted.
func (r *Registry) Capable(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if e.desc.Has(cap) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Describe returns the descriptor for a provider without instantiating it.
func (r *Registry) Describe(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// Get returns the backend for a provider, constructing it on first use.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var factory Factory
	if ok {
		factory = r.runtimes[e.desc.Runtime]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	e.once.Do(func() {
		e.provider, e.err = factory(e.desc)
	})
	if e.err != nil {
		return nil, fmt.Errorf("initializing provider %s: %w", name, e.err)
	}
	return e.provider, nil
}

// Transcription returns a provider asserted to transcribe.
func (r *Registry) Transcription(name string) (TranscriptionProvider, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	tp, ok := p.(TranscriptionProvider)
	if !ok || !p.Descriptor().Has(CapabilityTranscribe) {
		return nil, fmt.Errorf("provider %s cannot transcribe", name)
	}
	return tp, nil
}

// Refinement returns a provider asserted to refine.
func (r *Registry) Refinement(name string) (RefinementProvider, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	rp, ok := p.(RefinementProvider)
	if !ok || !p.Descriptor().Has(CapabilityRefine) {
		return nil, fmt.Errorf("provider %s cannot refine", name)
	}
	return rp, nil
}
