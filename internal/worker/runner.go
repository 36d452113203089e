package worker

import (
	"context"
	"sync"

	"github.com/deckgen/pipeline/internal/broker"
	"github.com/deckgen/pipeline/internal/logger"
)

// Consumer is the consuming half of the dispatch core.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler broker.Handler) error
}

// Runner owns one consumer goroutine per task queue plus the notifications
// fan-out consumer.
type Runner struct {
	dispatcher Consumer
	pipeline   *Pipeline

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(dispatcher Consumer, pipeline *Pipeline) *Runner {
	return &Runner{dispatcher: dispatcher, pipeline: pipeline}
}

// Start launches the consumers. Stop waits for them to drain.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	queues := []string{
		broker.QueuePDFProcessing,
		broker.QueueEmbeddingGeneration,
		broker.QueueDeckGeneration,
	}
	for _, q := range queues {
		r.wg.Add(1)
		go func(queue string) {
			defer r.wg.Done()
			if err := r.dispatcher.Consume(ctx, queue, r.pipeline); err != nil {
				logger.Logger.Error().Str("queue", queue).Err(err).Msg("Consumer exited")
			}
		}(q)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.dispatcher.Consume(ctx, broker.QueueNotifications, &notificationHandler{}); err != nil {
			logger.Logger.Error().Str("queue", broker.QueueNotifications).Err(err).Msg("Consumer exited")
		}
	}()

	logger.Logger.Info().Int("queues", len(queues)+1).Msg("Worker runner started")
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	logger.Logger.Info().Msg("Worker runner stopped")
}

// notificationHandler drains the notifications queue. Delivery of the
// actual notification (email, webhook) is outside this core; events are
// logged so the wildcard fan-out binding is observable.
type notificationHandler struct{}

func (h *notificationHandler) Handle(ctx context.Context, msg *broker.WorkMessage) error {
	logger.WithJobID(msg.JobID).Info().Msg("Notification event received")
	return nil
}

func (h *notificationHandler) Exhausted(ctx context.Context, msg *broker.WorkMessage, err error) {}
