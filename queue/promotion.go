package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FastyrAI/TuringAgents/pkg/datastructures/queue/delay"
)

// PromotionThresholds holds the per-priority aging deadlines of §4.6.
type PromotionThresholds struct {
	P3ToP2 time.Duration
	P2ToP1 time.Duration
	P1ToP0 time.Duration
}

// DefaultPromotionThresholds returns the defaults named in §4.6:
// P3→P2 after 30s, P2→P1 after 15s, P1→P0 after 5s.
func DefaultPromotionThresholds() PromotionThresholds {
	return PromotionThresholds{
		P3ToP2: 30 * time.Second,
		P2ToP1: 15 * time.Second,
		P1ToP0: 5 * time.Second,
	}
}

func (t PromotionThresholds) forPriority(p Priority) (time.Duration, bool) {
	switch p {
	case PriorityP3:
		return t.P3ToP2, true
	case PriorityP2:
		return t.P2ToP1, true
	case PriorityP1:
		return t.P1ToP0, true
	default:
		return 0, false
	}
}

type promotionItem struct {
	orgID     string
	env       *MessageEnvelope
	from      Priority
	scheduled time.Time
}

// PromotionScheduler implements time-based priority escalation: each
// enqueued message (priority > P0) is given a promotion timer; firing
// re-publishes at the next priority level and emits a promoted audit
// event. Built directly on pkg/datastructures/queue/delay.Queue, whose
// ready-time ordering keeps promotion stable within a priority class.
type PromotionScheduler struct {
	broker   Broker
	eventLog *EventLogWriter
	metrics  *Metrics
	log      *slog.Logger

	mu      sync.RWMutex
	byOrg   map[string]PromotionThresholds
	dflt    PromotionThresholds
	dq      *delay.Queue[*promotionItem]
}

// NewPromotionScheduler constructs a scheduler with the given default
// thresholds.
func NewPromotionScheduler(broker Broker, eventLog *EventLogWriter, metrics *Metrics, log *slog.Logger, defaults PromotionThresholds) *PromotionScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &PromotionScheduler{
		broker:   broker,
		eventLog: eventLog,
		metrics:  metrics,
		log:      log,
		byOrg:    make(map[string]PromotionThresholds),
		dflt:     defaults,
		dq:       delay.New[*promotionItem](),
	}
}

// SetOrgThresholds overrides the promotion thresholds for orgID,
// resolving the Open Question in §9: per-org configurable promotion
// thresholds, defaulting to §4.6's values.
func (s *PromotionScheduler) SetOrgThresholds(orgID string, t PromotionThresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOrg[orgID] = t
}

func (s *PromotionScheduler) thresholdsFor(orgID string) PromotionThresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byOrg[orgID]; ok {
		return t
	}
	return s.dflt
}

// Schedule registers a promotion timer for a just-enqueued message.
// Priority P0 messages are never scheduled (nothing to promote to).
func (s *PromotionScheduler) Schedule(orgID string, env *MessageEnvelope, priority Priority) {
	delayFor, ok := s.thresholdsFor(orgID).forPriority(priority)
	if !ok {
		return
	}
	s.dq.Enqueue(&promotionItem{orgID: orgID, env: env, from: priority, scheduled: time.Now()}, delayFor)
}

// Run drains ready promotion timers until ctx is canceled, republishing
// each message at its promoted priority.
func (s *PromotionScheduler) Run(ctx context.Context) {
	for {
		item, err := s.dq.DequeueContext(ctx)
		if err != nil {
			return
		}
		s.promote(ctx, item)
	}
}

func (s *PromotionScheduler) promote(ctx context.Context, item *promotionItem) {
	to := item.from.Promote()
	ageMs := time.Since(item.scheduled).Milliseconds()

	item.env.Headers.Priority = to
	confirm := to != PriorityP0
	if err := s.broker.PublishRequest(ctx, item.orgID, item.env, to, confirm); err != nil {
		s.log.Error("promotion republish failed", "org_id", item.orgID, "message_id", item.env.Headers.MessageID, "error", err)
		return
	}

	if s.eventLog != nil {
		s.eventLog.Emit(AuditEvent{
			MessageID: item.env.Headers.MessageID,
			OrgID:     item.orgID,
			EventType: EventPromoted,
			CreatedAt: time.Now(),
			Details:   map[string]any{"from": item.from, "to": to, "age_ms": ageMs},
		})
	}
	if s.metrics != nil {
		s.metrics.IncPromotion(item.orgID, item.from, to)
	}
}

// Close releases the underlying delay queue.
func (s *PromotionScheduler) Close() { s.dq.Close() }
