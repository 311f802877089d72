package content

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
)

// Launcher starts in-process content event loops.
type Launcher struct {
	cfg config.ContentConfig
	log *zap.Logger
	wg  sync.WaitGroup
}

// NewLauncher creates a launcher.
func NewLauncher(cfg config.ContentConfig, log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{cfg: cfg, log: log}
}

// Launch applies the launch descriptor's sandbox policy and starts the loop's goroutine.
func (l *Launcher) Launch(ctx context.Context, spec pipeline.LaunchSpec) (pipeline.EventLoop, error) {
	if err := spec.Sandbox.Validate(); err != nil {
		return nil, fmt.Errorf("launch event loop %d: %w", spec.Namespace, err)
	}

	loop := newLoop(spec, l.cfg, l.log.With(
		zap.Uint32("namespace", uint32(spec.Namespace)),
		zap.String("sandbox", spec.Sandbox.Name)))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		loop.run(ctx)
	}()
	return loop, nil
}

// Wait blocks until every launched loop has stopped.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
