package solver

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/notargets/DGAdjoint/logging"
)

// Constructor builds a handle of one physics kind from a configuration
// document.
type Constructor func(doc map[string]any, comm Comm, lg *slog.Logger) (Handle, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a physics kind available to New. It panics if kind is
// registered twice or ctor is nil.
func Register(kind string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if ctor == nil {
		panic("solver: Register constructor is nil for " + kind)
	}
	if _, dup := registry[kind]; dup {
		panic("solver: Register called twice for " + kind)
	}
	registry[kind] = ctor
}

// New constructs a handle for the physics kind tag.
func New(kind string, doc map[string]any, comm Comm, lg *slog.Logger) (Handle, error) {
	registryMu.RLock()
	ctor, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownKind, kind, Kinds())
	}
	if comm == nil {
		comm = SelfComm{}
	}
	h, err := ctor(doc, comm, logging.OrNop(lg))
	if err != nil {
		return nil, fmt.Errorf("construct %s solver: %w", kind, err)
	}
	return h, nil
}

// Kinds lists the registered physics kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
