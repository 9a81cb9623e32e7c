// Package amqp is the production queue.Broker backed by RabbitMQ via
// rabbitmq/amqp091-go: per-org priority queues with x-max-priority, a
// dead-letter exchange per org, TTL holding queues for delayed
// redelivery, publisher confirms for P1-P3, and QoS/prefetch bounds on
// consumption.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/FastyrAI/TuringAgents/pkg/concurrency"
	"github.com/FastyrAI/TuringAgents/pkg/resilience"
	"github.com/FastyrAI/TuringAgents/queue"
)

const (
	dlxSuffix         = ".dlx"
	responseExchangeKind = "direct"
	requestExchangeKind  = "direct"

	maxQueuePriority = 3
)

// Config configures the AMQP broker connection and topology defaults.
type Config struct {
	URL string

	// Prefetch is the default QoS bound applied to any channel opened
	// for consumption if the caller passes prefetch<=0 to ConsumeRequests.
	Prefetch int

	// Heartbeat overrides amqp091-go's default connection heartbeat
	// interval when non-zero.
	Heartbeat time.Duration
}

// Broker is a RabbitMQ-backed queue.Broker.
type Broker struct {
	cfg  Config
	log  *slog.Logger
	conn *amqp.Connection

	mu        sync.Mutex
	declared  map[string]bool // orgID -> topology declared
	publishCh *amqp.Channel   // dedicated channel for confirmed publishes
	confirms  chan amqp.Confirmation
	holding   map[string]bool // holding queue name -> declared

	// breaker fast-fails publishes once the connection has shown enough
	// consecutive trouble (unacked confirms, publish errors) that
	// hammering it on every retry/promotion republish would just add
	// load to an already-degraded broker.
	breaker *resilience.CircuitBreaker

	closed bool
}

// New dials RabbitMQ and returns a Broker. The caller is responsible
// for calling DeclareOrg/DeclareAgent before publishing or consuming.
func New(cfg Config, log *slog.Logger) (*Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	var conn *amqp.Connection
	var err error
	if cfg.Heartbeat > 0 {
		conn, err = amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat})
	} else {
		conn, err = amqp.Dial(cfg.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp: enable confirms: %w", err)
	}
	b := &Broker{
		cfg:       cfg,
		log:       log,
		conn:      conn,
		declared:  make(map[string]bool),
		holding:   make(map[string]bool),
		publishCh: ch,
		confirms:  ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("amqp-publish")),
	}
	return b, nil
}

func requestExchange(orgID string) string { return "org." + orgID + ".requests.x" }

// DeclareOrg declares the org's request exchange+queue (with
// x-max-priority and a DLX pointed at the org's DLQ), the DLX/DLQ
// pair, and the org's response exchange.
func (b *Broker) DeclareOrg(ctx context.Context, orgID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[orgID] {
		return nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: declare org %s: open channel: %w", orgID, err)
	}
	defer ch.Close()

	reqExchange := requestExchange(orgID)
	reqQueue := queue.OrgRequestQueue(orgID)
	dlxName := reqQueue + dlxSuffix
	dlqName := queue.OrgDLQ(orgID)
	respExchange := queue.ResponseExchange(orgID)

	if err := ch.ExchangeDeclare(reqExchange, requestExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare request exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(dlxName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare dlq: %w", err)
	}
	if err := ch.QueueBind(dlqName, "", dlxName, false, nil); err != nil {
		return fmt.Errorf("amqp: bind dlq to dlx: %w", err)
	}
	reqArgs := amqp.Table{
		"x-max-priority":         maxQueuePriority,
		"x-dead-letter-exchange": dlxName,
	}
	if _, err := ch.QueueDeclare(reqQueue, true, false, false, false, reqArgs); err != nil {
		return fmt.Errorf("amqp: declare request queue: %w", err)
	}
	if err := ch.QueueBind(reqQueue, reqQueue, reqExchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind request queue: %w", err)
	}
	if err := ch.ExchangeDeclare(respExchange, responseExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare response exchange: %w", err)
	}

	b.declared[orgID] = true
	return nil
}

// DeclareAgent declares and binds an agent's response queue against
// its org's response exchange with routing key agentID.
func (b *Broker) DeclareAgent(ctx context.Context, orgID, agentID string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: declare agent %s: open channel: %w", agentID, err)
	}
	defer ch.Close()

	respExchange := queue.ResponseExchange(orgID)
	respQueue := queue.AgentResponseQueue(agentID)
	if _, err := ch.QueueDeclare(respQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare agent response queue: %w", err)
	}
	if err := ch.QueueBind(respQueue, agentID, respExchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind agent response queue: %w", err)
	}
	return nil
}

// holdingQueueFor lazily declares a TTL holding queue for delayFor,
// named per-duration so messages delayed by the same amount share one
// queue. On TTL expiry the broker dead-letters the message back to the
// org's request queue via the default exchange.
func (b *Broker) holdingQueueFor(ch *amqp.Channel, orgID string, delayFor time.Duration) (string, error) {
	name := fmt.Sprintf("org.%s.delay.%dms", orgID, delayFor.Milliseconds())

	b.mu.Lock()
	declared := b.holding[name]
	b.mu.Unlock()
	if declared {
		return name, nil
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue.OrgRequestQueue(orgID),
		"x-message-ttl":             delayFor.Milliseconds(),
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("amqp: declare holding queue: %w", err)
	}

	b.mu.Lock()
	b.holding[name] = true
	b.mu.Unlock()
	return name, nil
}

// PublishRequest publishes env at priority to the org's request
// exchange. P0 is fire-and-forget; P1-P3 wait for a publisher confirm.
// The publish+confirm round trip runs behind a circuit breaker so a
// broker that is already nacking or timing out doesn't get hammered by
// every retry/promotion republish in flight.
func (b *Broker) PublishRequest(ctx context.Context, orgID string, env *queue.MessageEnvelope, priority queue.Priority, confirm bool) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("amqp: marshal envelope: %w", err)
		}

		b.mu.Lock()
		ch := b.publishCh
		confirms := b.confirms
		b.mu.Unlock()

		pub := amqp.Publishing{
			ContentType: "application/json",
			MessageId:   env.Headers.MessageID,
			Priority:    uint8(maxQueuePriority - int(priority)),
			Body:        body,
			Headers: amqp.Table{
				"x-retry-count": int32(env.Headers.RetryCount),
			},
		}

		if err := ch.PublishWithContext(ctx, requestExchange(orgID), queue.OrgRequestQueue(orgID), false, false, pub); err != nil {
			return fmt.Errorf("amqp: publish: %w", err)
		}
		if !confirm {
			return nil
		}
		select {
		case c := <-confirms:
			if !c.Ack {
				return fmt.Errorf("amqp: broker nacked publish of message %s", env.Headers.MessageID)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// ConsumeRequests opens a dedicated channel with QoS set to prefetch
// and consumes the org's request queue until ctx is canceled.
func (b *Broker) ConsumeRequests(ctx context.Context, orgID string, prefetch int, handler queue.RequestHandler) error {
	if prefetch <= 0 {
		prefetch = b.cfg.Prefetch
	}
	if prefetch <= 0 {
		prefetch = 10
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: consume requests: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp: set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue.OrgRequestQueue(orgID), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume: %w", err)
	}

	// Qos(prefetch, ...) lets the broker hand us up to `prefetch` unacked
	// deliveries at once; a pool sized to match is what actually lets
	// that many handlers run concurrently instead of the single
	// in-flight delivery a synchronous loop would give us.
	pool := concurrency.NewWorkerPool(prefetch, prefetch)
	pool.Start(ctx)
	defer pool.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp: request delivery channel closed")
			}
			delivery := d
			pool.Submit(func(taskCtx context.Context) {
				b.dispatch(taskCtx, delivery, handler)
			})
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, d amqp.Delivery, handler queue.RequestHandler) {
	var env queue.MessageEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		b.log.Error("amqp: malformed envelope, dropping to dlq", "error", err)
		_ = d.Nack(false, false)
		return
	}

	retryCount := 0
	if v, ok := d.Headers["x-retry-count"].(int32); ok {
		retryCount = int(v)
	}

	delivery := queue.Delivery{
		Envelope:      &env,
		DeliveryCount: retryCount + 1,
		Ack:           func() error { return d.Ack(false) },
		Nack: func(requeue bool) error {
			return d.Nack(false, requeue)
		},
	}
	if err := handler(ctx, delivery); err != nil {
		b.log.Error("amqp: request handler returned error", "error", err, "message_id", env.Headers.MessageID)
	}
}

// PublishResponse publishes resp to the org's response exchange,
// routed by agentID.
func (b *Broker) PublishResponse(ctx context.Context, orgID, agentID string, resp *queue.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("amqp: marshal response: %w", err)
	}
	b.mu.Lock()
	ch := b.publishCh
	b.mu.Unlock()

	pub := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}
	if err := ch.PublishWithContext(ctx, queue.ResponseExchange(orgID), agentID, false, false, pub); err != nil {
		return fmt.Errorf("amqp: publish response: %w", err)
	}
	return nil
}

// ConsumeResponses consumes an agent's response queue until ctx is
// canceled.
func (b *Broker) ConsumeResponses(ctx context.Context, agentID string, handler queue.ResponseHandler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: consume responses: open channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := ch.Consume(queue.AgentResponseQueue(agentID), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume responses: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp: response delivery channel closed")
			}
			var resp queue.Response
			if err := json.Unmarshal(d.Body, &resp); err != nil {
				b.log.Error("amqp: malformed response, dropping", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if err := handler(ctx, &resp); err != nil {
				var qerr *queue.Error
				if errors.As(err, &qerr) && qerr.App != nil && qerr.App.Code == "QUEUE_AGENT_DEAD" {
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// PublishDelayed republishes env to a TTL holding queue that
// dead-letters back into the org's request queue after delay. Shares
// PublishRequest's circuit breaker since both are broker-write paths
// driven by the same retry/promotion traffic.
func (b *Broker) PublishDelayed(ctx context.Context, orgID string, env *queue.MessageEnvelope, delayFor time.Duration) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("amqp: marshal delayed envelope: %w", err)
		}

		ch, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("amqp: publish delayed: open channel: %w", err)
		}
		defer ch.Close()

		holdingQueue, err := b.holdingQueueFor(ch, orgID, delayFor)
		if err != nil {
			return err
		}

		pub := amqp.Publishing{
			ContentType: "application/json",
			MessageId:   env.Headers.MessageID,
			Priority:    uint8(maxQueuePriority - int(env.Headers.Priority)),
			Body:        body,
			Headers: amqp.Table{
				"x-retry-count": int32(env.Headers.RetryCount),
			},
		}
		if err := ch.PublishWithContext(ctx, "", holdingQueue, false, false, pub); err != nil {
			return fmt.Errorf("amqp: publish to holding queue: %w", err)
		}
		return nil
	})
}

// PublishDLQ inserts record's message into the org's DLQ as a JSON
// body carrying the full original message and error history, via the
// default exchange (bypassing the DLX, since this is an explicit
// insert after exhausting retries rather than a broker-driven dead
// letter).
func (b *Broker) PublishDLQ(ctx context.Context, record *queue.DLQRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("amqp: marshal dlq record: %w", err)
	}
	b.mu.Lock()
	ch := b.publishCh
	b.mu.Unlock()

	pub := amqp.Publishing{ContentType: "application/json", Body: body}
	if err := ch.PublishWithContext(ctx, "", queue.OrgDLQ(record.OrgID), false, false, pub); err != nil {
		return fmt.Errorf("amqp: publish dlq record: %w", err)
	}
	return nil
}

// QueueDepth inspects the org's request queue depth.
func (b *Broker) QueueDepth(ctx context.Context, orgID string) (int, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("amqp: queue depth: open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueInspect(queue.OrgRequestQueue(orgID))
	if err != nil {
		return 0, fmt.Errorf("amqp: queue inspect: %w", err)
	}
	return q.Messages, nil
}

// Close closes the publish channel and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.publishCh != nil {
		b.publishCh.Close()
	}
	return b.conn.Close()
}

// Healthy reports whether the underlying connection is open.
func (b *Broker) Healthy(ctx context.Context) bool {
	return b.conn != nil && !b.conn.IsClosed()
}
