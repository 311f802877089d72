// Package history implements a tab's joint session history.
//
// The history is a list of steps. Each step records, for every browsing
// context it touched, the entry that was current before (Old) and after (New)
// the step. Entries are shared by pointer with the browsing contexts that
// display them, so replacing an entry in place is visible everywhere at once.
//
// Position k in the history is the state after applying the first k steps;
// position 0 is the tab's initial entry. The cursor is the current position.
package history

import (
	"errors"
	"fmt"
	"math"

	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

var (
	// ErrOutOfRange means a traversal would move the cursor outside the
	// history. Such traversals are no-ops.
	ErrOutOfRange = errors.New("traversal out of range")
	// ErrCorrupt means the history's internal bookkeeping is inconsistent.
	ErrCorrupt = errors.New("corrupt session history")
)

// Entry is one session history entry of one browsing context. A zero Pipeline
// means the document was discarded and must be reloaded from URL.
type Entry struct {
	Context  id.BrowsingContextID
	Pipeline id.PipelineID
	URL      string
	Title    string
}

// Discarded reports whether the entry's document is gone.
func (e *Entry) Discarded() bool { return e.Pipeline.IsZero() }

// Change records one context's entry before and after a step.
type Change struct {
	Context id.BrowsingContextID
	Old     *Entry
	New     *Entry
}

// Step is one unit of traversal.
type Step struct {
	Changes []Change
}

// Target is the entry a context must display after a traversal.
type Target struct {
	Context id.BrowsingContextID
	Entry   *Entry
}

// JointSessionHistory is the ordered history of one tab.
type JointSessionHistory struct {
	initial *Entry
	steps   []Step
	cursor  int
}

// New creates a history positioned on initial.
func New(initial *Entry) *JointSessionHistory {
	return &JointSessionHistory{initial: initial}
}

// Len returns the number of positions, initial entry included.
func (h *JointSessionHistory) Len() int { return len(h.steps) + 1 }

// Index returns the cursor.
func (h *JointSessionHistory) Index() int { return h.cursor }

// Steps returns the number of recorded steps.
func (h *JointSessionHistory) Steps() int { return len(h.steps) }

// Initial returns the tab's first entry.
func (h *JointSessionHistory) Initial() *Entry { return h.initial }

// EntryAt returns the entry that became current at position k.
func (h *JointSessionHistory) EntryAt(k int) *Entry {
	if k <= 0 {
		return h.initial
	}
	changes := h.steps[k-1].Changes
	return changes[len(changes)-1].New
}

// Entries returns the primary entry of every position, oldest first.
func (h *JointSessionHistory) Entries() []*Entry {
	entries := make([]*Entry, 0, h.Len())
	for k := 0; k < h.Len(); k++ {
		entries = append(entries, h.EntryAt(k))
	}
	return entries
}

// Push records a new step after the cursor. Steps ahead of the cursor are
// dropped and returned so the caller can release their documents.
func (h *JointSessionHistory) Push(changes ...Change) []Step {
	var dropped []Step
	if h.cursor < len(h.steps) {
		dropped = append(dropped, h.steps[h.cursor:]...)
		h.steps = h.steps[:h.cursor]
	}
	h.steps = append(h.steps, Step{Changes: changes})
	h.cursor = len(h.steps)
	return dropped
}

// Traverse moves the cursor by delta and returns, per affected context, the
// entry it must now display, in first-touched order. An out-of-range delta
// leaves the history untouched.
func (h *JointSessionHistory) Traverse(delta int) ([]Target, error) {
	target := h.cursor + delta
	if delta == 0 || target < 0 || target > len(h.steps) {
		return nil, fmt.Errorf("%w: cursor %d delta %d length %d", ErrOutOfRange, h.cursor, delta, h.Len())
	}

	var order []id.BrowsingContextID
	entries := make(map[id.BrowsingContextID]*Entry)
	set := func(ctx id.BrowsingContextID, e *Entry) {
		if _, seen := entries[ctx]; !seen {
			order = append(order, ctx)
		}
		entries[ctx] = e
	}

	if delta < 0 {
		for i := h.cursor - 1; i >= target; i-- {
			changes := h.steps[i].Changes
			for j := len(changes) - 1; j >= 0; j-- {
				set(changes[j].Context, changes[j].Old)
			}
		}
	} else {
		for i := h.cursor; i < target; i++ {
			for _, c := range h.steps[i].Changes {
				set(c.Context, c.New)
			}
		}
	}
	h.cursor = target

	targets := make([]Target, 0, len(order))
	for _, ctx := range order {
		targets = append(targets, Target{Context: ctx, Entry: entries[ctx]})
	}
	return targets, nil
}

// RemoveContext drops every change that touches ctx. Steps left empty are
// removed and the cursor follows.
func (h *JointSessionHistory) RemoveContext(ctx id.BrowsingContextID) {
	kept := h.steps[:0]
	cursor := h.cursor
	for i, step := range h.steps {
		changes := step.Changes[:0]
		for _, c := range step.Changes {
			if c.Context != ctx {
				changes = append(changes, c)
			}
		}
		if len(changes) == 0 {
			if i < h.cursor {
				cursor--
			}
			continue
		}
		kept = append(kept, Step{Changes: changes})
	}
	h.steps = kept
	h.cursor = cursor
}

// each visits every distinct entry with its position.
func (h *JointSessionHistory) each(fn func(e *Entry, position int)) {
	seen := map[*Entry]bool{}
	visit := func(e *Entry, k int) {
		if e == nil || seen[e] {
			return
		}
		seen[e] = true
		fn(e, k)
	}
	visit(h.initial, 0)
	for i, step := range h.steps {
		for _, c := range step.Changes {
			visit(c.Old, i)
			visit(c.New, i+1)
		}
	}
}

// References reports whether any entry still points at pipeline.
func (h *JointSessionHistory) References(pipeline id.PipelineID) bool {
	found := false
	h.each(func(e *Entry, _ int) {
		if e.Pipeline == pipeline {
			found = true
		}
	})
	return found
}

// Pipelines returns every pipeline referenced by the history.
func (h *JointSessionHistory) Pipelines() map[id.PipelineID]bool {
	pipelines := map[id.PipelineID]bool{}
	h.each(func(e *Entry, _ int) {
		if !e.Discarded() {
			pipelines[e.Pipeline] = true
		}
	})
	return pipelines
}

// Distances returns, for every referenced pipeline, how many positions its
// nearest entry is from the cursor.
func (h *JointSessionHistory) Distances() map[id.PipelineID]int {
	distances := map[id.PipelineID]int{}
	h.each(func(e *Entry, k int) {
		if e.Discarded() {
			return
		}
		d := k - h.cursor
		if d < 0 {
			d = -d
		}
		if prev, ok := distances[e.Pipeline]; !ok || d < prev {
			distances[e.Pipeline] = d
		}
	})
	return distances
}

// Discard clears pipeline from every entry, keeping URLs for reload.
func (h *JointSessionHistory) Discard(pipeline id.PipelineID) int {
	n := 0
	h.each(func(e *Entry, _ int) {
		if e.Pipeline == pipeline {
			e.Pipeline = id.PipelineID{}
			n++
		}
	})
	return n
}

// Verify checks the cursor and step shape.
func (h *JointSessionHistory) Verify() error {
	if h.initial == nil {
		return fmt.Errorf("%w: no initial entry", ErrCorrupt)
	}
	if h.cursor < 0 || h.cursor > len(h.steps) {
		return fmt.Errorf("%w: cursor %d outside [0, %d]", ErrCorrupt, h.cursor, len(h.steps))
	}
	for i, step := range h.steps {
		if len(step.Changes) == 0 {
			return fmt.Errorf("%w: step %d is empty", ErrCorrupt, i)
		}
		for _, c := range step.Changes {
			if c.New == nil {
				return fmt.Errorf("%w: step %d has no new entry for %s", ErrCorrupt, i, c.Context)
			}
		}
	}
	return nil
}

// Farthest returns the pipeline, among candidates, whose nearest entry is
// farthest from the cursor. Ties go to the earlier candidate.
func (h *JointSessionHistory) Farthest(candidates []id.PipelineID) (id.PipelineID, bool) {
	distances := h.Distances()
	best, bestDistance := id.PipelineID{}, math.MinInt
	for _, p := range candidates {
		d, ok := distances[p]
		if !ok {
			continue
		}
		if d > bestDistance {
			best, bestDistance = p, d
		}
	}
	return best, !best.IsZero()
}
