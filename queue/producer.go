package queue

import (
	"context"
	"log/slog"
	"time"

	validatorpkg "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// CurrentSchemaMajor is the current major schema version the Producer
// accepts alongside the previous major, per the two-major-version
// support window.
const CurrentSchemaMajor = 1

// DefaultSchemaVersion is stamped onto messages that omit one.
const DefaultSchemaVersion SchemaVersion = "1.0.0"

// PublishOutcome is the typed outcome of Producer.Publish.
type PublishOutcome struct {
	Accepted  bool
	Duplicate bool
	MessageID string
	Reason    ErrorKind
}

// Producer validates, stamps, and publishes request messages, honoring
// idempotency and backpressure directives.
type Producer struct {
	broker       Broker
	idempotency  *IdempotencyStore
	eventLog     *EventLogWriter
	backpressure *BackpressureController
	promotion    *PromotionScheduler
	validate     *validatorpkg.Validate
	log          *slog.Logger
	metrics      *Metrics
	currentMajor int
}

// NewProducer constructs a Producer. backpressure, eventLog, and
// promotion may be nil for tests that don't exercise those concerns.
func NewProducer(broker Broker, idempotency *IdempotencyStore, eventLog *EventLogWriter, backpressure *BackpressureController, promotion *PromotionScheduler, metrics *Metrics, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	return &Producer{
		broker:       broker,
		idempotency:  idempotency,
		eventLog:     eventLog,
		backpressure: backpressure,
		promotion:    promotion,
		validate:     validatorpkg.New(),
		log:          log,
		metrics:      metrics,
		currentMajor: CurrentSchemaMajor,
	}
}

// Publish validates, stamps, and publishes msg per §4.2. It mutates msg
// in place to fill generated identifiers.
func (p *Producer) Publish(ctx context.Context, msg *Message) (*PublishOutcome, error) {
	start := time.Now()
	p.stamp(msg)

	if err := p.validateMessage(msg); err != nil {
		p.observePublish(msg.Priority, "validation", start)
		return nil, err
	}

	if p.backpressure != nil {
		if err := p.backpressure.Admit(ctx, msg.OrgID, msg.Priority); err != nil {
			p.observePublish(msg.Priority, "backpressure_reject", start)
			return nil, err
		}
	}

	if msg.DedupKey != "" && p.idempotency != nil {
		duplicate, err := p.idempotency.Reserve(ctx, msg.OrgID, msg.DedupKey, msg.MessageID)
		if err != nil {
			p.observePublish(msg.Priority, "store_unavailable", start)
			return nil, err
		}
		if duplicate {
			p.observePublish(msg.Priority, "duplicate", start)
			return &PublishOutcome{Accepted: true, Duplicate: true, MessageID: msg.MessageID}, nil
		}
	}

	env, err := EnvelopeFromMessage(msg)
	if err != nil {
		p.rollbackIdempotency(ctx, msg)
		p.observePublish(msg.Priority, "validation", start)
		return nil, err
	}

	confirm := msg.Priority != PriorityP0
	if err := p.broker.PublishRequest(ctx, msg.OrgID, env, msg.Priority, confirm); err != nil {
		p.rollbackIdempotency(ctx, msg)
		p.observePublish(msg.Priority, "broker_unavailable", start)
		return nil, newBrokerUnavailableError(err)
	}

	p.emitPublishAudit(msg)
	p.observePublish(msg.Priority, "accepted", start)
	if p.promotion != nil {
		p.promotion.Schedule(msg.OrgID, env, msg.Priority)
	}
	return &PublishOutcome{Accepted: true, MessageID: msg.MessageID}, nil
}

func (p *Producer) stamp(msg *Message) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.GoalID == "" {
		msg.GoalID = uuid.New().String()
	}
	if msg.TaskID == "" {
		msg.TaskID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.SchemaVersion == "" {
		msg.SchemaVersion = DefaultSchemaVersion
	}
}

func (p *Producer) validateMessage(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := p.validate.Struct(msg); err != nil {
		return newValidationError(err.Error())
	}
	if !msg.SchemaVersion.InSupportWindow(p.currentMajor) {
		return newUnsupportedSchemaError(msg.SchemaVersion)
	}
	return nil
}

func (p *Producer) rollbackIdempotency(ctx context.Context, msg *Message) {
	if msg.DedupKey != "" && p.idempotency != nil {
		if err := p.idempotency.Rollback(ctx, msg.OrgID, msg.DedupKey); err != nil {
			p.log.Warn("idempotency rollback failed", "org_id", msg.OrgID, "dedup_key", msg.DedupKey, "error", err)
		}
	}
}

func (p *Producer) emitPublishAudit(msg *Message) {
	if p.eventLog == nil {
		return
	}
	now := time.Now()
	p.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventCreated, CreatedAt: now})
	p.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventEnqueued, CreatedAt: now,
		Details: map[string]any{"priority": msg.Priority}})
}

func (p *Producer) observePublish(priority Priority, outcome string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObservePublish(priority, outcome, time.Since(start))
}
