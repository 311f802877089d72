package orchestrator

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// verify cross-checks the orchestrator's tables.
func (o *Orchestrator) verify() error {
	if err := o.tree.Verify(); err != nil {
		return err
	}

	for _, top := range o.tree.TopLevels() {
		h, ok := o.histories[top]
		if !ok {
			return fmt.Errorf("%w: %s has no session history", ErrInvariant, top)
		}
		if err := h.Verify(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvariant, top, err)
		}
	}
	if len(o.histories) != len(o.tree.TopLevels()) {
		return fmt.Errorf("%w: %d histories for %d tabs", ErrInvariant, len(o.histories), len(o.tree.TopLevels()))
	}

	displayed := make(map[id.PipelineID]id.BrowsingContextID)
	for pid, p := range o.pipelines {
		if p.State() == pipeline.Exited {
			return fmt.Errorf("%w: exited %s still registered", ErrInvariant, pid)
		}
		c, ok := o.tree.Owner(pid)
		if !ok || c.ID != p.Context {
			return fmt.Errorf("%w: %s not owned by %s", ErrInvariant, pid, p.Context)
		}
		if _, ok := o.groups.GroupOf(pid); !ok {
			return fmt.Errorf("%w: %s hosted by no event loop", ErrInvariant, pid)
		}
		if c.Active == pid {
			if other, dup := displayed[pid]; dup {
				return fmt.Errorf("%w: %s displayed by %s and %s", ErrInvariant, pid, other, c.ID)
			}
			displayed[pid] = c.ID
			if p.State() == pipeline.Loading {
				return fmt.Errorf("%w: %s displayed while loading", ErrInvariant, pid)
			}
		}
	}

	for ctxID, nav := range o.pending {
		if _, ok := o.tree.Get(ctxID); !ok {
			return fmt.Errorf("%w: navigation pending for missing %s", ErrInvariant, ctxID)
		}
		if nav.pipeline.IsZero() {
			continue
		}
		p, ok := o.pipelines[nav.pipeline]
		if !ok || p.Context != ctxID || p.State() != pipeline.Loading {
			return fmt.Errorf("%w: navigation of %s points at %s", ErrInvariant, ctxID, nav.pipeline)
		}
	}

	for h, t := range o.timers {
		if _, ok := o.pipelines[t.pipeline]; !ok {
			return fmt.Errorf("%w: %s belongs to missing %s", ErrInvariant, h, t.pipeline)
		}
	}

	return o.groups.Verify(func(pid id.PipelineID) bool {
		_, ok := o.pipelines[pid]
		return ok
	})
}

func sortPipelineIDs(ps []id.PipelineID) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Namespace != ps[j].Namespace {
			return ps[i].Namespace < ps[j].Namespace
		}
		return ps[i].Index < ps[j].Index
	})
}
