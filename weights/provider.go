package weights

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tsawler/go-gesture/engine"
)

// ErrNotFound is returned when a provider has no archive for a weight set.
var ErrNotFound = errors.New("weights not found")

// Provider fetches the pretrained tensors for an architecture and weight set.
type Provider interface {
	Fetch(arch, weightSet string) (map[string]*engine.Tensor, error)
}

// MemoryProvider serves archives registered in process. It is used by tests
// and by callers that already hold decoded weights.
type MemoryProvider struct {
	mu   sync.RWMutex
	sets map[string]map[string]*engine.Tensor
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{sets: map[string]map[string]*engine.Tensor{}}
}

// Register stores state under arch and weightSet, replacing any earlier entry.
func (p *MemoryProvider) Register(arch, weightSet string, state map[string]*engine.Tensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets[ArchiveName(arch, weightSet)] = state
}

// Fetch returns copies of the registered tensors.
func (p *MemoryProvider) Fetch(arch, weightSet string) (map[string]*engine.Tensor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, ok := p.sets[ArchiveName(arch, weightSet)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", arch, weightSet, ErrNotFound)
	}
	out := make(map[string]*engine.Tensor, len(state))
	for k, t := range state {
		out[k] = t.Clone()
	}
	return out, nil
}
