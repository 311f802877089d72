// Package timer runs the single waiting point for every pipeline's timers.
//
// The scheduler keeps a deadline heap and injects a TimerFired message into
// the orchestrator when a deadline passes. It never calls back into content
// directly; the orchestrator decides whether a fire is delivered, held for a
// frozen pipeline, or dropped as stale.
package timer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// ErrDuplicate means the handle is already scheduled.
var ErrDuplicate = errors.New("timer handle already scheduled")

type item struct {
	pipeline id.PipelineID
	handle   id.TimerHandle
	deadline time.Time
	interval time.Duration
	seq      uint64
	index    int
}

// queue orders items by deadline, then by scheduling order.
type queue []*item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	queue   queue
	handles map[id.TimerHandle]*item
	seq     uint64
	wake    chan struct{}

	out message.Outbox
	now func() time.Time
	log *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the scheduler's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New creates a scheduler that reports fires on out.
func New(out message.Outbox, opts ...Option) *Scheduler {
	s := &Scheduler{
		handles: make(map[id.TimerHandle]*item),
		wake:    make(chan struct{}, 1),
		out:     out,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms a timer. A non-positive delay fires on the scheduler's next
// pass, never inline. A positive interval re-arms the timer after each fire.
func (s *Scheduler) Schedule(p id.PipelineID, h id.TimerHandle, delay, interval time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if _, exists := s.handles[h]; exists {
		s.mu.Unlock()
		return ErrDuplicate
	}
	s.seq++
	it := &item{
		pipeline: p,
		handle:   h,
		deadline: s.now().Add(delay),
		interval: interval,
		seq:      s.seq,
	}
	heap.Push(&s.queue, it)
	s.handles[h] = it
	head := s.queue[0] == it
	s.mu.Unlock()

	if head {
		s.poke()
	}
	return nil
}

// Cancel disarms h. It reports whether the timer was still queued.
func (s *Scheduler) Cancel(h id.TimerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.handles[h]
	if !ok {
		return false
	}
	delete(s.handles, h)
	if it.index >= 0 {
		heap.Remove(&s.queue, it.index)
	}
	return true
}

// CancelPipeline disarms every timer of p and returns how many were queued.
func (s *Scheduler) CancelPipeline(p id.PipelineID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for h, it := range s.handles {
		if it.pipeline != p {
			continue
		}
		delete(s.handles, h)
		if it.index >= 0 {
			heap.Remove(&s.queue, it.index)
		}
		n++
	}
	return n
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// due pops every timer whose deadline has passed, re-arming periodic ones,
// and returns the time until the next deadline.
func (s *Scheduler) due(now time.Time) ([]message.TimerFired, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []message.TimerFired
	for len(s.queue) > 0 && !s.queue[0].deadline.After(now) {
		it := heap.Pop(&s.queue).(*item)
		fired = append(fired, message.TimerFired{
			Pipeline: it.pipeline,
			Handle:   it.handle,
			Deadline: it.deadline,
		})

		if it.interval > 0 {
			next := it.deadline.Add(it.interval)
			if !next.After(now) {
				next = now.Add(it.interval)
			}
			it.deadline = next
			s.seq++
			it.seq = s.seq
			heap.Push(&s.queue, it)
		} else {
			delete(s.handles, it.handle)
		}
	}

	if len(s.queue) == 0 {
		return fired, 0, false
	}
	return fired, s.queue[0].deadline.Sub(now), true
}

// Run waits on deadlines until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		fired, wait, pending := s.due(s.now())
		for _, f := range fired {
			if !s.out.Send(f) {
				return
			}
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		if pending {
			t.Reset(wait)
		} else {
			t.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.out.Done():
			return
		case <-s.wake:
		case <-t.C:
		}
	}
}
