package worker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/deckgen/pipeline/internal/jobs"
	"github.com/deckgen/pipeline/internal/logger"
)

// SimulatedProcessor stands in for the document-understanding and
// generation computation, which is out of scope for this core. Each stage
// sleeps for a short randomized interval.
type SimulatedProcessor struct {
	// MaxDelay bounds the simulated work per stage. Zero means 2s.
	MaxDelay time.Duration
}

func (s *SimulatedProcessor) Process(ctx context.Context, job *jobs.Job, stage int) error {
	st, err := job.StageAt(stage)
	if err != nil {
		return err
	}

	maxDelay := s.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxDelay)))
	if err != nil {
		n = big.NewInt(int64(maxDelay / 2))
	}
	delay := time.Duration(n.Int64())

	logger.WithStage(job.ID, stage).Debug().
		Str("name", st.Name).
		Dur("delay", delay).
		Msg("Simulating stage work")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	return nil
}

// ProcessorFunc adapts a function to the StageProcessor interface.
type ProcessorFunc func(ctx context.Context, job *jobs.Job, stage int) error

func (f ProcessorFunc) Process(ctx context.Context, job *jobs.Job, stage int) error {
	return f(ctx, job, stage)
}

// FailStage returns a processor that fails the given stage with the given
// message and delegates every other stage to next. Used in integration
// exercises of the failure path.
func FailStage(stage int, msg string, next StageProcessor) StageProcessor {
	return ProcessorFunc(func(ctx context.Context, job *jobs.Job, n int) error {
		if n == stage {
			return fmt.Errorf("%s", msg)
		}
		return next.Process(ctx, job, n)
	})
}
