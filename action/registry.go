// Package action holds the capability registry: named operations that local
// components expose for the agent to call, grouped by owner id.
package action

import (
	"encoding/json"
	"sort"
	"sync"

	"orb/log"
)

// Func is a registered capability. Args arrive as the ordered JSON values
// from the wire; implementations decode the ones they need and return a
// JSON-able result.
type Func func(args []json.RawMessage) (any, error)

type entry struct {
	fn  Func
	reg uint64
}

// Registry maps owner ids to their named capabilities. Safe for concurrent
// use.
type Registry struct {
	mu      sync.Mutex
	owners  map[string]map[string]entry
	lastReg uint64
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]map[string]entry)}
}

// Registration identifies one Register call so a component can later remove
// exactly the entries it added, and nothing newer.
type Registration struct {
	r     *Registry
	owner string
	names []string
	id    uint64
}

// Register merges actions into owner's set and returns a token for removal.
// A name already present is replaced; the newest registration wins.
func (r *Registry) Register(owner string, actions map[string]Func) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastReg++
	id := r.lastReg

	set := r.owners[owner]
	if set == nil {
		set = make(map[string]entry)
		r.owners[owner] = set
	}

	names := make([]string, 0, len(actions))
	for name, fn := range actions {
		set[name] = entry{fn: fn, reg: id}
		names = append(names, name)
	}
	log.Infof("registered %d action(s) for owner %q", len(names), owner)

	return &Registration{r: r, owner: owner, names: names, id: id}
}

// Remove deletes the entries this registration added. A name that was since
// replaced by a newer registration is left alone, so a stale removal never
// tears down a successor. The owner disappears when its set empties.
func (g *Registration) Remove() {
	r := g.r
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.owners[g.owner]
	if set == nil {
		return
	}
	for _, name := range g.names {
		if e, ok := set[name]; ok && e.reg == g.id {
			delete(set, name)
		}
	}
	if len(set) == 0 {
		delete(r.owners, g.owner)
	}
}

// Call invokes owner's action with args. An unknown owner or action is a
// soft miss: logged and answered with (nil, nil), never an error. The
// capability's own result or error is returned as is.
func (r *Registry) Call(action, owner string, args []json.RawMessage) (any, error) {
	r.mu.Lock()
	set, ok := r.owners[owner]
	var e entry
	if ok {
		e, ok = set[action]
	}
	r.mu.Unlock()

	if !ok {
		log.Warnf("no action %q registered for owner %q", action, owner)
		return nil, nil
	}
	return e.fn(args)
}

// Debug returns a snapshot of the registry, owner ids mapped to their
// sorted action names.
func (r *Registry) Debug() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.owners))
	for owner, set := range r.owners {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		out[owner] = names
	}
	return out
}
