// Package watchdog detects pipelines that stopped heart-beating.
//
// Event loops call Beat for every pipeline they service. A pipeline whose last
// beat is older than the threshold is reported once as PipelineHung; a later
// beat re-arms the report. Termination is the orchestrator's decision.
package watchdog

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// Config holds monitor timing.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
}

type record struct {
	last     time.Time
	reported bool
}

// Monitor tracks heartbeats. It is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	records map[id.PipelineID]*record

	cfg Config
	out message.Outbox
	now func() time.Time
	log *zap.Logger
}

// New creates a monitor reporting on out.
func New(cfg Config, out message.Outbox, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		records: make(map[id.PipelineID]*record),
		cfg:     cfg,
		out:     out,
		now:     time.Now,
		log:     log,
	}
}

// Watch starts tracking p as if it had just beaten.
func (m *Monitor) Watch(p id.PipelineID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p] = &record{last: m.now()}
}

// Unwatch stops tracking p.
func (m *Monitor) Unwatch(p id.PipelineID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, p)
}

// Beat records that p made progress. Unknown pipelines are ignored.
func (m *Monitor) Beat(p id.PipelineID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[p]; ok {
		r.last = m.now()
		r.reported = false
	}
}

// Len returns the number of watched pipelines.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Check returns the pipelines that crossed the threshold since the last
// check, sorted by id.
func (m *Monitor) Check(now time.Time) []message.PipelineHung {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hung []message.PipelineHung
	for p, r := range m.records {
		since := now.Sub(r.last)
		if r.reported || since < m.cfg.Threshold {
			continue
		}
		r.reported = true
		hung = append(hung, message.PipelineHung{Pipeline: p, Since: since})
	}
	sort.Slice(hung, func(i, j int) bool {
		a, b := hung[i].Pipeline, hung[j].Pipeline
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Index < b.Index
	})
	return hung
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.out.Done():
			return
		case <-ticker.C:
			for _, h := range m.Check(m.now()) {
				m.log.Warn("Pipeline unresponsive",
					zap.Stringer("pipeline", h.Pipeline),
					zap.Duration("since", h.Since))
				if !m.out.Send(h) {
					return
				}
			}
		}
	}
}
