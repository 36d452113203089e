package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/deckgen/pipeline/internal/logger"
)

// Exchange, queue and routing-key names for the pipeline. Routing keys
// follow the <domain>.<action> convention.
const (
	ExchangeTasks  = "tasks"
	ExchangeEvents = "events"
	ExchangeDLX    = "dlx"

	QueuePDFProcessing       = "pdf.processing"
	QueueEmbeddingGeneration = "embedding.generation"
	QueueDeckGeneration      = "deck.generation"
	QueueNotifications       = "notifications"

	RouteNotificationCompleted = "notification.completed"
	RouteNotificationFailed    = "notification.failed"

	// deadLetterPrefix namespaces dead-lettered copies of messages so the
	// dlx exchange can capture them without colliding with live traffic.
	deadLetterPrefix = "dlx."

	dlqSuffix = ".dlq"
)

// Exchange is a topic exchange. On JetStream an exchange is a stream and
// Subjects are the routing-key spaces it captures.
type Exchange struct {
	Name     string
	Subjects []string
	Durable  bool
}

// Queue is a durable queue fed by a binding. On JetStream a queue is a
// durable pull consumer.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
}

// Binding routes messages matching Pattern from Exchange into Queue.
type Binding struct {
	Queue    string
	Exchange string
	Pattern  string
}

// Topology is a declarative description of every broker resource the
// pipeline needs. Provisioning it is idempotent.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// DefaultTopology declares the pipeline's exchanges, queues and bindings,
// including the dead-letter pairing for every primary queue.
func DefaultTopology() Topology {
	t := Topology{
		Exchanges: []Exchange{
			{Name: ExchangeTasks, Subjects: []string{"pdf.>", "embedding.>", "deck.>"}, Durable: true},
			{Name: ExchangeEvents, Subjects: []string{"notification.>"}, Durable: true},
			{Name: ExchangeDLX, Subjects: []string{deadLetterPrefix + ">"}, Durable: true},
		},
		Queues: []Queue{
			{Name: QueuePDFProcessing, Durable: true},
			{Name: QueueEmbeddingGeneration, Durable: true},
			{Name: QueueDeckGeneration, Durable: true},
			{Name: QueueNotifications, Durable: true},
		},
		Bindings: []Binding{
			{Queue: QueuePDFProcessing, Exchange: ExchangeTasks, Pattern: "pdf.*"},
			{Queue: QueueEmbeddingGeneration, Exchange: ExchangeTasks, Pattern: "embedding.*"},
			{Queue: QueueDeckGeneration, Exchange: ExchangeTasks, Pattern: "deck.*"},
			{Queue: QueueNotifications, Exchange: ExchangeEvents, Pattern: "notification.*"},
		},
	}
	return t.WithDeadLetters()
}

// WithDeadLetters returns the topology extended with one <queue>.dlq queue
// per primary queue, bound on the same routing-key pattern against the
// dead-letter exchange. Calling it again is a no-op.
func (t Topology) WithDeadLetters() Topology {
	for _, b := range t.Bindings {
		if b.Exchange == ExchangeDLX {
			continue
		}
		if strings.HasSuffix(b.Queue, dlqSuffix) {
			continue
		}
		dlq := b.Queue + dlqSuffix
		if t.hasQueue(dlq) {
			continue
		}
		t.Queues = append(t.Queues, Queue{Name: dlq, Durable: true})
		t.Bindings = append(t.Bindings, Binding{
			Queue:    dlq,
			Exchange: ExchangeDLX,
			Pattern:  deadLetterPrefix + b.Pattern,
		})
	}
	return t
}

func (t Topology) hasQueue(name string) bool {
	for _, q := range t.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}

// BindingFor returns the binding feeding the named queue.
func (t Topology) BindingFor(queue string) (Binding, error) {
	for _, b := range t.Bindings {
		if b.Queue == queue {
			return b, nil
		}
	}
	return Binding{}, fmt.Errorf("no binding for queue %q", queue)
}

func (t Topology) exchange(name string) (Exchange, error) {
	for _, e := range t.Exchanges {
		if e.Name == name {
			return e, nil
		}
	}
	return Exchange{}, fmt.Errorf("no exchange %q", name)
}

// StreamName maps an exchange name onto its JetStream stream name.
func StreamName(exchange string) string {
	return strings.ToUpper(exchange)
}

// DurableName maps a queue name onto a legal JetStream durable consumer
// name. Durable names may not contain dots.
func DurableName(queue string) string {
	return strings.ReplaceAll(queue, ".", "-")
}

// ValidateRoutingKey enforces the <domain>.<action> convention for
// publishable keys: at least two non-empty tokens, no wildcards.
func ValidateRoutingKey(key string) error {
	tokens := strings.Split(key, ".")
	if len(tokens) < 2 {
		return fmt.Errorf("routing key %q must be <domain>.<action>", key)
	}
	for _, tok := range tokens {
		if tok == "" {
			return fmt.Errorf("routing key %q has an empty token", key)
		}
		if tok == "*" || tok == ">" {
			return fmt.Errorf("routing key %q may not contain wildcards", key)
		}
	}
	return nil
}

// DeadLetterKey returns the routing key under which an exhausted message is
// republished to the dead-letter exchange.
func DeadLetterKey(routingKey string) string {
	return deadLetterPrefix + routingKey
}

// Provisioner declares the topology against the broker. Safe to re-run:
// existing streams and consumers are left as they are.
type Provisioner struct {
	js nats.JetStreamContext
}

func NewProvisioner(js nats.JetStreamContext) *Provisioner {
	return &Provisioner{js: js}
}

// Provision creates every declared exchange and queue that does not already
// exist. Any failure is returned to the caller and must be treated as fatal
// to startup: the system must not run without its topology.
func (p *Provisioner) Provision(t Topology) error {
	for _, ex := range t.Exchanges {
		if err := p.provisionExchange(ex); err != nil {
			return fmt.Errorf("failed to provision exchange %q: %w", ex.Name, err)
		}
	}

	for _, q := range t.Queues {
		b, err := t.BindingFor(q.Name)
		if err != nil {
			return err
		}
		if err := p.provisionQueue(q, b); err != nil {
			return fmt.Errorf("failed to provision queue %q: %w", q.Name, err)
		}
	}

	logger.Logger.Info().
		Int("exchanges", len(t.Exchanges)).
		Int("queues", len(t.Queues)).
		Msg("Broker topology provisioned")
	return nil
}

func (p *Provisioner) provisionExchange(ex Exchange) error {
	_, err := p.js.StreamInfo(StreamName(ex.Name))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	storage := nats.FileStorage
	if !ex.Durable {
		storage = nats.MemoryStorage
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     StreamName(ex.Name),
		Subjects: ex.Subjects,
		Storage:  storage,
	})
	return err
}

func (p *Provisioner) provisionQueue(q Queue, b Binding) error {
	stream := StreamName(b.Exchange)
	durable := DurableName(q.Name)

	_, err := p.js.ConsumerInfo(stream, durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return err
	}

	// MaxAckPending 1 gives the at-most-one-unacknowledged-message
	// semantics the state machine relies on for mutual exclusion.
	_, err = p.js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: b.Pattern,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1,
	})
	return err
}
