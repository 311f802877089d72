package browsing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

func TestInsertAndOwnership(t *testing.T) {
	tree := NewTree()
	alloc := id.NewAllocator(id.RootNamespace)
	top := alloc.TopLevel()

	root, err := tree.InsertTopLevel(top, message.Size{Width: 800, Height: 600})
	require.NoError(t, err)
	assert.True(t, root.IsTopLevel())

	p := alloc.Pipeline()
	require.NoError(t, tree.Attach(root.ID, p))
	root.Active = p

	owner, ok := tree.Owner(p)
	require.True(t, ok)
	assert.Equal(t, root.ID, owner.ID)

	other := alloc.BrowsingContext()
	_, err = tree.InsertChild(other, p, "ad")
	require.NoError(t, err)
	assert.ErrorIs(t, tree.Attach(other, p), ErrOwnedTwice)

	_, err = tree.InsertTopLevel(top, message.Size{})
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.NoError(t, tree.Verify())
}

func TestInsertChildRequiresAttachedParent(t *testing.T) {
	tree := NewTree()
	alloc := id.NewAllocator(id.RootNamespace)

	_, err := tree.InsertChild(alloc.BrowsingContext(), alloc.Pipeline(), "")
	assert.ErrorIs(t, err, ErrNoParent)
}

// buildChain makes a tab with depth nested frames, each frame's document
// embedding the next.
func buildChain(t *testing.T, tree *Tree, alloc *id.Allocator, depth int) (id.TopLevelID, []id.BrowsingContextID) {
	t.Helper()
	top := alloc.TopLevel()
	root, err := tree.InsertTopLevel(top, message.Size{})
	require.NoError(t, err)

	ctxs := []id.BrowsingContextID{root.ID}
	parent := alloc.Pipeline()
	require.NoError(t, tree.Attach(root.ID, parent))
	root.Active = parent

	for i := 0; i < depth; i++ {
		child, err := tree.InsertChild(alloc.BrowsingContext(), parent, "")
		require.NoError(t, err)
		p := alloc.Pipeline()
		require.NoError(t, tree.Attach(child.ID, p))
		child.Active = p
		ctxs = append(ctxs, child.ID)
		parent = p
	}
	return top, ctxs
}

func TestRemoveTakesDescendants(t *testing.T) {
	tree := NewTree()
	alloc := id.NewAllocator(id.RootNamespace)
	top, ctxs := buildChain(t, tree, alloc, 4)
	require.Equal(t, 5, tree.Len())

	removal := tree.Remove(ctxs[2])

	assert.Len(t, removal.Contexts, 3)
	assert.Len(t, removal.Pipelines, 3)
	assert.Equal(t, ctxs[4], removal.Contexts[0].ID, "descendants come first")
	assert.Equal(t, 2, tree.Len())
	assert.Empty(t, tree.Children(tree.contexts[ctxs[1]].Active))
	assert.NoError(t, tree.Verify())

	tree.Remove(top.Context())
	assert.Zero(t, tree.Len())
	assert.Empty(t, tree.TopLevels())
	assert.Empty(t, tree.owner)
	assert.Empty(t, tree.children)
}

func TestDetachReturnsOrphans(t *testing.T) {
	tree := NewTree()
	alloc := id.NewAllocator(id.RootNamespace)
	_, ctxs := buildChain(t, tree, alloc, 1)

	root, _ := tree.Get(ctxs[0])
	orphans := tree.Detach(root.Active)

	assert.Equal(t, []id.BrowsingContextID{ctxs[1]}, orphans)
	assert.True(t, root.Active.IsZero())
}

func TestDescendantsFollowActivePipeline(t *testing.T) {
	tree := NewTree()
	alloc := id.NewAllocator(id.RootNamespace)
	_, ctxs := buildChain(t, tree, alloc, 2)

	descendants := tree.Descendants(ctxs[0])
	require.Len(t, descendants, 2)
	assert.Equal(t, ctxs[1], descendants[0].ID)
	assert.Equal(t, ctxs[2], descendants[1].ID)
}

func TestVerifyDetectsForeignActive(t *testing.T) {
	tree := NewTree()
	alloc := id.NewAllocator(id.RootNamespace)
	_, ctxs := buildChain(t, tree, alloc, 1)

	root, _ := tree.Get(ctxs[0])
	root.Active = alloc.Pipeline()

	assert.ErrorIs(t, tree.Verify(), ErrInvariant)
}

func TestInTabIsScopedAndSorted(t *testing.T) {
	tree := NewTree()
	alloc := id.NewAllocator(id.RootNamespace)
	topA, ctxsA := buildChain(t, tree, alloc, 2)
	buildChain(t, tree, alloc, 1)

	in := tree.InTab(topA)
	require.Len(t, in, 3)
	for i, c := range in {
		assert.Equal(t, ctxsA[i], c.ID)
	}
}
