package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cfpforge/backend/internal/hooks"
)

// Plugin is a loaded extension. Implementations must be safe for concurrent hook calls.
type Plugin interface {
	Init(pctx *Context) error
	HandleHook(ctx context.Context, hook hooks.Hook, payload json.RawMessage) error
	Invoke(ctx context.Context, action string, input json.RawMessage) (json.RawMessage, error)
	Shutdown(ctx context.Context) error
}

// Factory builds a fresh builtin plugin instance.
type Factory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory makes a builtin runtime entry available. Registering a name twice panics.
func RegisterFactory(entry string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[entry]; dup {
		panic(fmt.Sprintf("plugins: factory %q registered twice", entry))
	}
	factories[entry] = f
}

func lookupFactory(entry string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[entry]
	return f, ok
}

// Factories lists the registered builtin entries.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
