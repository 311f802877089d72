package orchestrator

import (
	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// frameTree builds the compositor view rooted at ctxID, following each
// context's active pipeline.
func (o *Orchestrator) frameTree(ctxID id.BrowsingContextID) message.FrameTree {
	c, ok := o.tree.Get(ctxID)
	if !ok {
		return message.FrameTree{Context: ctxID}
	}
	node := message.FrameTree{
		Context:  c.ID,
		Pipeline: c.Active,
		Size:     c.Size,
		Crashed:  c.Crashed,
	}
	if c.Current != nil {
		node.URL = c.Current.URL
		node.Title = c.Current.Title
	}
	if c.Active.IsZero() {
		return node
	}
	for _, child := range o.tree.Children(c.Active) {
		node.Children = append(node.Children, o.frameTree(child))
	}
	return node
}

func (o *Orchestrator) updateFrameTree(top id.TopLevelID) {
	if _, ok := o.histories[top]; !ok {
		return
	}
	o.compositor.Send(message.SetFrameTree{TopLevel: top, Tree: o.frameTree(top.Context())})
}
