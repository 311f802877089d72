package eventloop

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// Group is one live event loop and the pipelines it hosts.
type Group struct {
	Key     Key
	Loop    pipeline.EventLoop
	members map[id.PipelineID]struct{}
}

// Namespace returns the loop's id namespace.
func (g *Group) Namespace() id.Namespace { return g.Loop.Namespace() }

// Len returns the number of hosted pipelines.
func (g *Group) Len() int { return len(g.members) }

// Members returns the hosted pipelines, sorted.
func (g *Group) Members() []id.PipelineID {
	out := make([]id.PipelineID, 0, len(g.members))
	for p := range g.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Registry tracks live groups.
type Registry struct {
	byKey       map[Key]*Group
	byNamespace map[id.Namespace]*Group
	byPipeline  map[id.PipelineID]*Group
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:       make(map[Key]*Group),
		byNamespace: make(map[id.Namespace]*Group),
		byPipeline:  make(map[id.PipelineID]*Group),
	}
}

// Len returns the number of live loops.
func (r *Registry) Len() int { return len(r.byNamespace) }

// Lookup returns the shared group for key.
func (r *Registry) Lookup(key Key) (*Group, bool) {
	g, ok := r.byKey[key]
	return g, ok
}

// Add registers a freshly launched loop. A dedicated loop passes an empty
// key and is never returned by Lookup.
func (r *Registry) Add(key Key, loop pipeline.EventLoop) *Group {
	g := &Group{Key: key, Loop: loop, members: make(map[id.PipelineID]struct{})}
	if key != "" {
		r.byKey[key] = g
	}
	r.byNamespace[loop.Namespace()] = g
	return g
}

// Join adds p to g.
func (r *Registry) Join(g *Group, p id.PipelineID) {
	g.members[p] = struct{}{}
	r.byPipeline[p] = g
}

// Leave removes p from its group and reports whether the group is now empty.
func (r *Registry) Leave(p id.PipelineID) (*Group, bool) {
	g, ok := r.byPipeline[p]
	if !ok {
		return nil, false
	}
	delete(g.members, p)
	delete(r.byPipeline, p)
	return g, len(g.members) == 0
}

// GroupOf returns the group hosting p.
func (r *Registry) GroupOf(p id.PipelineID) (*Group, bool) {
	g, ok := r.byPipeline[p]
	return g, ok
}

// ByNamespace returns the loop that owns ns.
func (r *Registry) ByNamespace(ns id.Namespace) (*Group, bool) {
	g, ok := r.byNamespace[ns]
	return g, ok
}

// Remove forgets g and all its memberships.
func (r *Registry) Remove(g *Group) {
	for p := range g.members {
		delete(r.byPipeline, p)
	}
	g.members = map[id.PipelineID]struct{}{}
	if g.Key != "" && r.byKey[g.Key] == g {
		delete(r.byKey, g.Key)
	}
	delete(r.byNamespace, g.Namespace())
}

// Groups returns every live group ordered by namespace.
func (r *Registry) Groups() []*Group {
	out := make([]*Group, 0, len(r.byNamespace))
	for _, g := range r.byNamespace {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace() < out[j].Namespace() })
	return out
}

// Verify checks that membership indexes agree.
func (r *Registry) Verify(live func(id.PipelineID) bool) error {
	for p, g := range r.byPipeline {
		if _, ok := g.members[p]; !ok {
			return fmt.Errorf("%s indexed to loop %d but not a member", p, g.Namespace())
		}
		if r.byNamespace[g.Namespace()] != g {
			return fmt.Errorf("%s hosted by unregistered loop %d", p, g.Namespace())
		}
		if !live(p) {
			return fmt.Errorf("loop %d hosts unknown %s", g.Namespace(), p)
		}
	}
	return nil
}
