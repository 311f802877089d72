package orchestrator

import (
	"context"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// Sender is the embedder's and compositor's handle on a running
// orchestrator. It is safe for concurrent use.
type Sender struct {
	embedder   chan<- message.Message
	compositor chan<- message.Message
	done       <-chan struct{}
}

// Send delivers an embedder message.
func (s *Sender) Send(ctx context.Context, msg message.Message) error {
	return s.send(ctx, s.embedder, msg)
}

// SendFromCompositor delivers a compositor message (resize, focus).
func (s *Sender) SendFromCompositor(ctx context.Context, msg message.Message) error {
	return s.send(ctx, s.compositor, msg)
}

// Done is closed once the orchestrator has stopped.
func (s *Sender) Done() <-chan struct{} { return s.done }

func (s *Sender) send(ctx context.Context, ch chan<- message.Message, msg message.Message) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case ch <- msg:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request sends the message built around a fresh reply channel and waits for
// the answer.
func request[T any](ctx context.Context, s *Sender, build func(chan<- T) message.Message) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := s.Send(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// NewTopLevel opens a tab and returns its id.
func (s *Sender) NewTopLevel(ctx context.Context, url string, size message.Size) (id.TopLevelID, error) {
	return request(ctx, s, func(reply chan<- id.TopLevelID) message.Message {
		return message.NewTopLevel{URL: url, Size: size, Reply: reply}
	})
}

// FrameTree returns a tab's current frame tree.
func (s *Sender) FrameTree(ctx context.Context, top id.TopLevelID) (message.FrameTree, error) {
	r, err := request(ctx, s, func(reply chan<- message.FrameTreeReply) message.Message {
		return message.QueryFrameTree{TopLevel: top, Reply: reply}
	})
	if err != nil {
		return message.FrameTree{}, err
	}
	return r.Tree, r.Err
}

// History returns a tab's history entries and cursor.
func (s *Sender) History(ctx context.Context, top id.TopLevelID) ([]message.HistoryEntry, int, error) {
	r, err := request(ctx, s, func(reply chan<- message.HistoryReply) message.Message {
		return message.QueryHistory{TopLevel: top, Reply: reply}
	})
	if err != nil {
		return nil, 0, err
	}
	return r.Entries, r.Index, r.Err
}

// Stats returns the orchestrator's registry sizes.
func (s *Sender) Stats(ctx context.Context) (message.Stats, error) {
	return request(ctx, s, func(reply chan<- message.Stats) message.Message {
		return message.QueryStats{Reply: reply}
	})
}

// Snapshot returns an encoded snapshot of a tab's history.
func (s *Sender) Snapshot(ctx context.Context, top id.TopLevelID) (message.SnapshotReply, error) {
	r, err := request(ctx, s, func(reply chan<- message.SnapshotReply) message.Message {
		return message.SnapshotHistory{TopLevel: top, Reply: reply}
	})
	if err != nil {
		return message.SnapshotReply{}, err
	}
	return r, r.Err
}

// Exit stops the orchestrator and waits until every event loop was told to
// exit.
func (s *Sender) Exit(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.Send(ctx, message.Exit{Done: done}); err != nil {
		return err
	}
	select {
	case <-done:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
