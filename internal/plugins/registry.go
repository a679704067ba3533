package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/pkg/metrics"
)

// DefaultHookTimeout bounds one plugin's handling of one hook or action.
const DefaultHookTimeout = 10 * time.Second

type loaded struct {
	manifest *Manifest
	plugin   Plugin
	pctx     *Context
	inflight sync.WaitGroup
}

// Registry holds the running plugins keyed by name (thread-safe).
// Calls into a plugin are counted so Unload can wait for them to drain.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*loaded
	timeout time.Duration
	logger  *zap.Logger
	pending sync.WaitGroup // async Emit dispatches
}

// NewRegistry creates an empty registry. timeout bounds each hook or action call.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	return &Registry{plugins: make(map[string]*loaded), timeout: timeout, logger: logger}
}

// Load initialises p and publishes it under m.Name.
func (r *Registry) Load(m *Manifest, p Plugin, pctx *Context) error {
	r.mu.RLock()
	_, exists := r.plugins[m.Name]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, m.Name)
	}
	if err := safeCall(func() error { return p.Init(pctx) }); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	r.mu.Lock()
	if _, exists := r.plugins[m.Name]; exists {
		r.mu.Unlock()
		_ = safeCall(func() error { return p.Shutdown(context.Background()) })
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, m.Name)
	}
	r.plugins[m.Name] = &loaded{manifest: m, plugin: p, pctx: pctx}
	n := len(r.plugins)
	r.mu.Unlock()

	metrics.PluginsLoaded.Set(float64(n))
	r.logger.Info("plugin loaded", zap.String("plugin", m.Name), zap.String("version", m.Version))
	return nil
}

// Unload removes name so no new calls start, waits for in-flight calls (bounded by ctx), then shuts it down.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	lp, ok := r.plugins[name]
	if ok {
		delete(r.plugins, name)
	}
	n := len(r.plugins)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	metrics.PluginsLoaded.Set(float64(n))

	drained := make(chan struct{})
	go func() {
		lp.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		r.logger.Warn("plugin unload did not drain in time", zap.String("plugin", name), zap.Error(ctx.Err()))
	}

	err := safeCall(func() error { return lp.plugin.Shutdown(ctx) })
	if err != nil {
		r.logger.Warn("plugin shutdown failed", zap.String("plugin", name), zap.Error(err))
	}
	r.logger.Info("plugin unloaded", zap.String("plugin", name))
	return nil
}

// UnloadAll unloads every plugin, e.g. on process shutdown.
func (r *Registry) UnloadAll(ctx context.Context) {
	for _, name := range r.Names() {
		_ = r.Unload(ctx, name)
	}
}

// Loaded reports whether name is running.
func (r *Registry) Loaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok
}

// Names returns loaded plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// acquire returns the plugin with its in-flight count raised. The caller must call inflight.Done.
func (r *Registry) acquire(name string) (*loaded, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.plugins[name]
	if ok {
		lp.inflight.Add(1)
	}
	return lp, ok
}

// subscribers snapshots the plugins listening to hook, each acquired.
func (r *Registry) subscribers(hook hooks.Hook) []*loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*loaded
	for _, lp := range r.plugins {
		if lp.manifest.Subscribes(hook) {
			lp.inflight.Add(1)
			out = append(out, lp)
		}
	}
	return out
}

// Dispatch delivers hook to every subscriber in parallel, each under the per-plugin timeout.
// It never fails the caller; per-plugin errors are returned keyed by name for logging.
func (r *Registry) Dispatch(ctx context.Context, hook hooks.Hook, payload any) map[string]error {
	subs := r.subscribers(hook)
	if len(subs) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		for _, lp := range subs {
			lp.inflight.Done()
		}
		r.logger.Error("marshal hook payload", zap.String("hook", string(hook)), zap.Error(err))
		return nil
	}

	var (
		mu   sync.Mutex
		errs = map[string]error{}
		g    errgroup.Group
	)
	for _, lp := range subs {
		g.Go(func() error {
			defer lp.inflight.Done()
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			err := safeCall(func() error { return lp.plugin.HandleHook(callCtx, hook, data) })
			observe(lp.manifest.Name, string(hook), start, err)
			if err != nil {
				mu.Lock()
				errs[lp.manifest.Name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Emit dispatches hook in the background so request handlers never wait on plugins.
// It implements hooks.Emitter.
func (r *Registry) Emit(ctx context.Context, hook hooks.Hook, payload any) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		for name, err := range r.Dispatch(context.WithoutCancel(ctx), hook, payload) {
			r.logger.Warn("plugin hook failed", zap.String("plugin", name), zap.String("hook", string(hook)), zap.Error(err))
		}
	}()
}

// Wait blocks until background Emit dispatches finish.
func (r *Registry) Wait() {
	r.pending.Wait()
}

// Invoke runs a declared action on a loaded plugin.
func (r *Registry) Invoke(ctx context.Context, name, action string, input json.RawMessage) (json.RawMessage, error) {
	lp, ok := r.acquire(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	defer lp.inflight.Done()
	if !lp.manifest.HasAction(action) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAction, name, action)
	}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	var out json.RawMessage
	err := safeCall(func() error {
		var err error
		out, err = lp.plugin.Invoke(callCtx, action, input)
		return err
	})
	observe(name, "action:"+action, start, err)
	return out, err
}

func observe(plugin, target string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.PluginInvocations.WithLabelValues(plugin, target, outcome).Inc()
	metrics.PluginInvocationDuration.WithLabelValues(plugin, target).Observe(time.Since(start).Seconds())
}

// safeCall runs fn, converting a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panic: %v", rec)
		}
	}()
	return fn()
}
