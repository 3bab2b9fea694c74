package config

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/turnloop/turnloop/internal/telemetry"
)

// Registry is the Config Registry component (C2). Reads never block: a
// lock-free atomic.Pointer swap publishes a freshly validated snapshot,
// exactly the teacher's "build the whole snapshot, then swap one reference"
// contract from registry/store's replace-on-write style.
type Registry struct {
	cur    atomic.Pointer[snapshot]
	logger telemetry.Logger
	path   string
	watch  *fsnotify.Watcher
}

// New returns an empty Registry; call Load or Reload before use.
func New(logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.Noop{}
	}
	r := &Registry{logger: logger}
	r.cur.Store(&snapshot{
		domains:        map[string]Domain{},
		agents:         map[string]Agent{},
		tools:          map[string]Tool{},
		agentsByDomain: map[string][]string{},
		toolsByAgent:   map[string][]string{},
	})
	return r
}

// Load parses the YAML file at path, validates it and swaps it in as the
// current snapshot. The registry remembers path for WatchAndReload.
func (r *Registry) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	snap, err := buildSnapshot(doc)
	if err != nil {
		return err
	}
	r.path = path
	r.cur.Store(snap)
	return nil
}

// Reload re-reads the last-loaded path. It is a no-op returning nil if no
// Load call has succeeded yet.
func (r *Registry) Reload(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	if err := r.Load(r.path); err != nil {
		r.logger.Error(ctx, "config reload failed, keeping previous snapshot", "error", err.Error())
		return err
	}
	r.logger.Info(ctx, "config reloaded", "hash", r.SnapshotHash())
	return nil
}

// SnapshotHash returns the sha256 hash of the currently active snapshot.
func (r *Registry) SnapshotHash() string { return r.cur.Load().hash }

// WatchAndReload watches the loaded file for changes and calls Reload on
// every write, until ctx is canceled. Grounded on fsnotify usage in the
// pack's config-hot-reload paths.
func (r *Registry) WatchAndReload(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watch = w
	if err := w.Add(r.path); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					_ = r.Reload(ctx)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Error(ctx, "config watch error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Domain returns the domain with id, or ErrNotFound.
func (r *Registry) Domain(id string) (Domain, error) {
	d, ok := r.cur.Load().domains[id]
	if !ok {
		return Domain{}, ErrNotFound
	}
	return d, nil
}

// Agent returns the agent with id, or ErrNotFound.
func (r *Registry) Agent(id string) (Agent, error) {
	a, ok := r.cur.Load().agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

// Tool returns the tool with id, or ErrNotFound.
func (r *Registry) Tool(id string) (Tool, error) {
	t, ok := r.cur.Load().tools[id]
	if !ok {
		return Tool{}, ErrNotFound
	}
	return t, nil
}

// AgentsInDomain lists agent ids belonging to domain id, in document order.
func (r *Registry) AgentsInDomain(domainID string) []string {
	return append([]string(nil), r.cur.Load().agentsByDomain[domainID]...)
}

// ToolsForAgent lists the tool ids an agent may call, in document order.
func (r *Registry) ToolsForAgent(agentID string) []string {
	return append([]string(nil), r.cur.Load().toolsByAgent[agentID]...)
}

// AllTools returns every tool in the current snapshot, in no particular
// order. Used by wiring code that needs to walk the full tool set (e.g.
// binding webhook handlers) rather than one agent's subset.
func (r *Registry) AllTools() []Tool {
	snap := r.cur.Load().tools
	out := make([]Tool, 0, len(snap))
	for _, t := range snap {
		out = append(out, t)
	}
	return out
}
