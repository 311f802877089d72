// Package browsing holds the browsing context tree.
//
// The tree is an arena: contexts are stored by id and linked through ids, not
// pointers. A nested context's parent is a pipeline (the document that owns
// the iframe), and that pipeline belongs to exactly one context. Walking up
// from any context therefore alternates context -> parent pipeline -> owning
// context until a top-level context is reached.
package browsing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/GriffinCanCode/constellation/internal/domain/history"
	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

var (
	ErrDuplicate  = errors.New("browsing context already exists")
	ErrNotFound   = errors.New("browsing context not found")
	ErrNoParent   = errors.New("parent pipeline not attached to any context")
	ErrInvariant  = errors.New("browsing context tree invariant violated")
	ErrOwnedTwice = errors.New("pipeline already belongs to a context")
)

// Context is one navigable.
type Context struct {
	ID       id.BrowsingContextID
	TopLevel id.TopLevelID
	// Parent is the pipeline embedding this context; zero for a tab root.
	Parent id.PipelineID
	Name   string
	// Active is the pipeline currently displayed; zero while the first
	// document loads or after a crash.
	Active id.PipelineID
	// Current is the session history entry the context displays.
	Current *history.Entry
	Size    message.Size
	Crashed bool

	pipelines map[id.PipelineID]struct{}
}

// IsTopLevel reports whether the context is a tab root.
func (c *Context) IsTopLevel() bool { return c.Parent.IsZero() }

// Pipelines returns the pipelines owned by the context, sorted.
func (c *Context) Pipelines() []id.PipelineID {
	out := make([]id.PipelineID, 0, len(c.pipelines))
	for p := range c.pipelines {
		out = append(out, p)
	}
	sortPipelines(out)
	return out
}

// Owns reports whether p belongs to the context.
func (c *Context) Owns(p id.PipelineID) bool {
	_, ok := c.pipelines[p]
	return ok
}

// Tree indexes contexts, their pipelines and their children.
type Tree struct {
	contexts  map[id.BrowsingContextID]*Context
	owner     map[id.PipelineID]id.BrowsingContextID
	children  map[id.PipelineID][]id.BrowsingContextID
	topLevels map[id.TopLevelID]struct{}
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{
		contexts:  make(map[id.BrowsingContextID]*Context),
		owner:     make(map[id.PipelineID]id.BrowsingContextID),
		children:  make(map[id.PipelineID][]id.BrowsingContextID),
		topLevels: make(map[id.TopLevelID]struct{}),
	}
}

// Len returns the number of contexts.
func (t *Tree) Len() int { return len(t.contexts) }

// TopLevels returns the open tabs, sorted.
func (t *Tree) TopLevels() []id.TopLevelID {
	out := make([]id.TopLevelID, 0, len(t.topLevels))
	for top := range t.topLevels {
		out = append(out, top)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// InsertTopLevel adds a tab root.
func (t *Tree) InsertTopLevel(top id.TopLevelID, size message.Size) (*Context, error) {
	ctxID := top.Context()
	if _, exists := t.contexts[ctxID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, ctxID)
	}
	c := &Context{
		ID:        ctxID,
		TopLevel:  top,
		Size:      size,
		pipelines: make(map[id.PipelineID]struct{}),
	}
	t.contexts[ctxID] = c
	t.topLevels[top] = struct{}{}
	return c, nil
}

// InsertChild adds a nested context under parent.
func (t *Tree) InsertChild(ctxID id.BrowsingContextID, parent id.PipelineID, name string) (*Context, error) {
	if _, exists := t.contexts[ctxID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, ctxID)
	}
	ownerID, ok := t.owner[parent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoParent, parent)
	}
	c := &Context{
		ID:        ctxID,
		TopLevel:  t.contexts[ownerID].TopLevel,
		Parent:    parent,
		Name:      name,
		pipelines: make(map[id.PipelineID]struct{}),
	}
	t.contexts[ctxID] = c
	t.children[parent] = append(t.children[parent], ctxID)
	return c, nil
}

// Get looks a context up.
func (t *Tree) Get(ctxID id.BrowsingContextID) (*Context, bool) {
	c, ok := t.contexts[ctxID]
	return c, ok
}

// Owner returns the context a pipeline belongs to.
func (t *Tree) Owner(p id.PipelineID) (*Context, bool) {
	ctxID, ok := t.owner[p]
	if !ok {
		return nil, false
	}
	return t.contexts[ctxID], true
}

// ParentContext returns the context owning c's parent pipeline.
func (t *Tree) ParentContext(c *Context) (*Context, bool) {
	if c.IsTopLevel() {
		return nil, false
	}
	return t.Owner(c.Parent)
}

// Children returns the contexts embedded by pipeline p.
func (t *Tree) Children(p id.PipelineID) []id.BrowsingContextID {
	return append([]id.BrowsingContextID(nil), t.children[p]...)
}

// Attach records that p belongs to ctxID.
func (t *Tree) Attach(ctxID id.BrowsingContextID, p id.PipelineID) error {
	c, ok := t.contexts[ctxID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ctxID)
	}
	if existing, owned := t.owner[p]; owned {
		return fmt.Errorf("%w: %s owned by %s", ErrOwnedTwice, p, existing)
	}
	c.pipelines[p] = struct{}{}
	t.owner[p] = ctxID
	return nil
}

// Detach forgets p and returns the contexts it embedded. Those contexts are
// still in the tree; the caller removes them.
func (t *Tree) Detach(p id.PipelineID) []id.BrowsingContextID {
	if ctxID, ok := t.owner[p]; ok {
		if c, ok := t.contexts[ctxID]; ok {
			delete(c.pipelines, p)
			if c.Active == p {
				c.Active = id.PipelineID{}
			}
		}
		delete(t.owner, p)
	}
	orphans := t.children[p]
	delete(t.children, p)
	return orphans
}

// Removal describes what Remove took out of the tree.
type Removal struct {
	// Contexts are removed contexts, descendants before ancestors.
	Contexts []*Context
	// Pipelines are the pipelines those contexts owned.
	Pipelines []id.PipelineID
}

// Remove takes ctxID and every descendant out of the tree.
func (t *Tree) Remove(ctxID id.BrowsingContextID) Removal {
	var r Removal
	t.remove(ctxID, &r)
	return r
}

func (t *Tree) remove(ctxID id.BrowsingContextID, r *Removal) {
	c, ok := t.contexts[ctxID]
	if !ok {
		return
	}
	for _, p := range c.Pipelines() {
		for _, child := range t.children[p] {
			t.remove(child, r)
		}
		delete(t.children, p)
		delete(t.owner, p)
		r.Pipelines = append(r.Pipelines, p)
	}

	if !c.IsTopLevel() {
		siblings := t.children[c.Parent]
		for i, s := range siblings {
			if s == ctxID {
				t.children[c.Parent] = append(siblings[:i:i], siblings[i+1:]...)
				break
			}
		}
		if len(t.children[c.Parent]) == 0 {
			delete(t.children, c.Parent)
		}
	} else {
		delete(t.topLevels, c.TopLevel)
	}
	delete(t.contexts, ctxID)
	r.Contexts = append(r.Contexts, c)
}

// Descendants returns the contexts below ctxID through its active pipeline,
// depth-first, excluding ctxID.
func (t *Tree) Descendants(ctxID id.BrowsingContextID) []*Context {
	var out []*Context
	var walk func(id.BrowsingContextID)
	walk = func(cur id.BrowsingContextID) {
		c, ok := t.contexts[cur]
		if !ok || c.Active.IsZero() {
			return
		}
		for _, child := range t.children[c.Active] {
			if cc, ok := t.contexts[child]; ok {
				out = append(out, cc)
				walk(child)
			}
		}
	}
	walk(ctxID)
	return out
}

// InTab returns every context of a tab, sorted by id.
func (t *Tree) InTab(top id.TopLevelID) []*Context {
	var out []*Context
	for _, c := range t.contexts {
		if c.TopLevel == top {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessContext(out[i].ID, out[j].ID) })
	return out
}

// Verify checks ownership and parent links.
func (t *Tree) Verify() error {
	for ctxID, c := range t.contexts {
		if c.ID != ctxID {
			return fmt.Errorf("%w: %s stored under %s", ErrInvariant, c.ID, ctxID)
		}
		if !c.Active.IsZero() && !c.Owns(c.Active) {
			return fmt.Errorf("%w: %s displays foreign %s", ErrInvariant, ctxID, c.Active)
		}
		for p := range c.pipelines {
			if t.owner[p] != ctxID {
				return fmt.Errorf("%w: %s listed by %s but owned by %s", ErrInvariant, p, ctxID, t.owner[p])
			}
		}
		if c.IsTopLevel() {
			if c.TopLevel.Context() != ctxID {
				return fmt.Errorf("%w: root %s tagged with %s", ErrInvariant, ctxID, c.TopLevel)
			}
			continue
		}
		if err := t.verifyAncestry(c); err != nil {
			return err
		}
	}
	for p, ctxID := range t.owner {
		c, ok := t.contexts[ctxID]
		if !ok || !c.Owns(p) {
			return fmt.Errorf("%w: %s owned by missing %s", ErrInvariant, p, ctxID)
		}
	}
	for p, kids := range t.children {
		if _, ok := t.owner[p]; !ok {
			return fmt.Errorf("%w: %s embeds %d contexts but has no owner", ErrInvariant, p, len(kids))
		}
	}
	return nil
}

func (t *Tree) verifyAncestry(c *Context) error {
	cur := c
	for steps := 0; steps <= len(t.contexts); steps++ {
		if cur.IsTopLevel() {
			if cur.TopLevel != c.TopLevel {
				return fmt.Errorf("%w: %s tagged %s but rooted in %s", ErrInvariant, c.ID, c.TopLevel, cur.TopLevel)
			}
			return nil
		}
		parent, ok := t.Owner(cur.Parent)
		if !ok {
			return fmt.Errorf("%w: %s has detached parent %s", ErrInvariant, cur.ID, cur.Parent)
		}
		cur = parent
	}
	return fmt.Errorf("%w: cycle above %s", ErrInvariant, c.ID)
}

func lessContext(a, b id.BrowsingContextID) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	return a.Index < b.Index
}

func sortPipelines(ps []id.PipelineID) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Namespace != ps[j].Namespace {
			return ps[i].Namespace < ps[j].Namespace
		}
		return ps[i].Index < ps[j].Index
	})
}
