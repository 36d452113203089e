package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/deckgen/pipeline/internal/logger"
	"github.com/deckgen/pipeline/internal/metrics"
)

// DefaultMaxAttempts is the delivery budget before a message is
// dead-lettered.
const DefaultMaxAttempts = 3

// DispatchError wraps a broker-level publish failure. The dispatcher does
// not retry publishes itself; the caller decides, to avoid duplicate
// submission ambiguity.
type DispatchError struct {
	RoutingKey string
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %q failed: %v", e.RoutingKey, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Handler consumes work messages. Handle is invoked once per delivery;
// Exhausted is invoked exactly once, after the final failed attempt, before
// the message is dead-lettered.
type Handler interface {
	Handle(ctx context.Context, msg *WorkMessage) error
	Exhausted(ctx context.Context, msg *WorkMessage, err error)
}

// Decision is the fate of a delivery after its handler returns.
type Decision int

const (
	DecisionAck Decision = iota
	DecisionRequeue
	DecisionDeadLetter
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable: the delivery is
// dead-lettered immediately regardless of remaining attempts. Used for
// invariant violations where redelivery cannot help.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Decide maps a handler result and the delivery attempt onto an
// acknowledgment decision. Attempt counts from 1.
func Decide(attempt, maxAttempts int, handlerErr error) Decision {
	if handlerErr == nil {
		return DecisionAck
	}
	if IsPermanent(handlerErr) || attempt >= maxAttempts {
		return DecisionDeadLetter
	}
	return DecisionRequeue
}

// Dispatcher publishes work with routing keys and consumes queues with
// explicit acknowledgment, routing exhausted deliveries to the paired
// dead-letter queue.
type Dispatcher struct {
	js          nats.JetStreamContext
	topo        Topology
	maxAttempts int
}

func NewDispatcher(js nats.JetStreamContext, topo Topology, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{js: js, topo: topo, maxAttempts: maxAttempts}
}

// Publish serializes msg and publishes it under the given routing key. It
// returns once the broker has accepted (persisted) the message, not once a
// consumer has processed it.
func (d *Dispatcher) Publish(ctx context.Context, routingKey string, msg any) error {
	if err := ValidateRoutingKey(routingKey); err != nil {
		return &DispatchError{RoutingKey: routingKey, Err: err}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return &DispatchError{RoutingKey: routingKey, Err: fmt.Errorf("failed to marshal message: %w", err)}
	}

	if _, err := d.js.Publish(routingKey, data, nats.Context(ctx)); err != nil {
		return &DispatchError{RoutingKey: routingKey, Err: err}
	}

	metrics.MessagesPublishedTotal.WithLabelValues(routingKey).Inc()
	return nil
}

// Consume delivers messages from the named queue to the handler, one at a
// time, until ctx is cancelled. Handler success acknowledges the message;
// failure requeues it until the attempt budget is spent, then dead-letters
// it.
func (d *Dispatcher) Consume(ctx context.Context, queue string, handler Handler) error {
	b, err := d.topo.BindingFor(queue)
	if err != nil {
		return err
	}

	sub, err := d.js.PullSubscribe(b.Pattern, DurableName(queue), nats.BindStream(StreamName(b.Exchange)))
	if err != nil {
		return fmt.Errorf("failed to subscribe to queue %q: %w", queue, err)
	}
	defer sub.Unsubscribe()

	metrics.ActiveConsumers.Inc()
	defer metrics.ActiveConsumers.Dec()

	logger.Logger.Info().Str("queue", queue).Msg("Consumer started")

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info().Str("queue", queue).Msg("Consumer shutting down")
			return nil
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Logger.Error().Str("queue", queue).Err(err).Msg("Fetch failed")
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		d.dispatch(ctx, queue, msgs[0], handler)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, queue string, m *nats.Msg, handler Handler) {
	var wm WorkMessage
	if err := json.Unmarshal(m.Data, &wm); err != nil {
		// Malformed payloads can never succeed: straight to the DLQ.
		logger.Logger.Error().Str("queue", queue).Err(err).Msg("Unparseable message, dead-lettering")
		d.deadLetter(ctx, queue, m.Subject, m.Data)
		m.Term()
		return
	}

	if meta, err := m.Metadata(); err == nil {
		wm.Attempt = int(meta.NumDelivered)
	} else {
		wm.Attempt = 1
	}

	log := logger.WithStage(wm.JobID, wm.Stage)
	log.Info().
		Str("queue", queue).
		Str("routing_key", m.Subject).
		Int("attempt", wm.Attempt).
		Int("max_attempts", d.maxAttempts).
		Msg("Processing message")

	handlerErr := handler.Handle(ctx, &wm)

	switch Decide(wm.Attempt, d.maxAttempts, handlerErr) {
	case DecisionAck:
		if err := m.Ack(); err != nil {
			log.Error().Err(err).Msg("Failed to ack message")
		}

	case DecisionRequeue:
		log.Warn().Err(handlerErr).Msg("Handler failed, requeueing")
		metrics.MessagesRequeuedTotal.Inc()
		if err := m.Nak(); err != nil {
			log.Error().Err(err).Msg("Failed to nak message")
		}

	case DecisionDeadLetter:
		log.Error().Err(handlerErr).Msg("Attempts exhausted, dead-lettering")
		handler.Exhausted(ctx, &wm, handlerErr)
		data, _ := json.Marshal(&wm)
		if !d.deadLetter(ctx, queue, m.Subject, data) {
			// Keep the message alive rather than lose it: the DLQ publish
			// will be retried on the next redelivery.
			m.Nak()
			return
		}
		m.Term()
	}
}

// deadLetter republishes a message body under the dead-letter key paired
// with its original routing key.
func (d *Dispatcher) deadLetter(ctx context.Context, queue, routingKey string, data []byte) bool {
	if _, err := d.js.Publish(DeadLetterKey(routingKey), data, nats.Context(ctx)); err != nil {
		logger.Logger.Error().
			Str("queue", queue).
			Str("routing_key", routingKey).
			Err(err).
			Msg("Failed to publish to dead-letter queue")
		return false
	}
	metrics.MessagesDeadLetteredTotal.WithLabelValues(queue + dlqSuffix).Inc()
	return true
}
