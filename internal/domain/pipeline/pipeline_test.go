package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

type recordingLoop struct {
	sent []Control
}

func (r *recordingLoop) Send(c Control) error {
	r.sent = append(r.sent, c)
	return nil
}
func (r *recordingLoop) Namespace() id.Namespace { return 2 }
func (r *recordingLoop) Channels() Channels      { return Channels{Script: r, Layout: r} }
func (r *recordingLoop) Exit() error             { return nil }

func newTestPipeline() (*Pipeline, *recordingLoop) {
	loop := &recordingLoop{}
	p := New(Descriptor{
		Pipeline: id.PipelineID{Namespace: 1, Index: 1},
		Context:  id.BrowsingContextID{Namespace: 1, Index: 2},
		URL:      "https://a.example/",
	}, loop)
	return p, loop
}

func TestLifecycle(t *testing.T) {
	p, loop := newTestPipeline()
	assert.Equal(t, Loading, p.State())

	require.NoError(t, p.Activate())
	assert.Equal(t, Active, p.State())

	require.NoError(t, p.Freeze())
	assert.Equal(t, Frozen, p.State())

	_, err := p.Thaw()
	require.NoError(t, err)
	assert.Equal(t, Active, p.State())

	require.NoError(t, p.Exit())
	assert.Equal(t, Exited, p.State())

	require.Len(t, loop.sent, 3)
	assert.IsType(t, Freeze{}, loop.sent[0])
	assert.IsType(t, Thaw{}, loop.sent[1])
	assert.IsType(t, Exit{}, loop.sent[2])
}

func TestInvalidTransitions(t *testing.T) {
	p, _ := newTestPipeline()

	assert.ErrorIs(t, p.Freeze(), ErrInvalidTransition)
	_, err := p.Thaw()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, p.Activate())
	assert.ErrorIs(t, p.Activate(), ErrInvalidTransition)
}

func TestExitIsIdempotent(t *testing.T) {
	p, loop := newTestPipeline()

	require.NoError(t, p.Exit())
	require.NoError(t, p.Exit())
	assert.Len(t, loop.sent, 1)
}

func TestHeldTimersAreReturnedOnThaw(t *testing.T) {
	p, _ := newTestPipeline()
	require.NoError(t, p.Activate())
	require.NoError(t, p.Freeze())

	a := id.TimerHandle{Namespace: 2, Index: 1}
	b := id.TimerHandle{Namespace: 2, Index: 2}
	p.Hold(a)
	p.Hold(b)
	p.Hold(a)
	assert.Equal(t, 2, p.Held())

	held, err := p.Thaw()
	require.NoError(t, err)
	assert.Equal(t, []id.TimerHandle{a, b}, held)
	assert.Zero(t, p.Held())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "frozen", Frozen.String())
	assert.Equal(t, "state(9)", State(9).String())
}
