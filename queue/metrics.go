package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus collector set named in §6, one collector
// per component, registered against a caller-supplied registry so the
// Runtime controls the HTTP exposition surface.
type Metrics struct {
	QueueDepth          *prometheus.GaugeVec
	PublishTotal        *prometheus.CounterVec
	PublishLatency      *prometheus.HistogramVec
	DequeueTotal        *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	RetryTotal          *prometheus.CounterVec
	PromotionTotal      *prometheus.CounterVec
	DemotionTotal        *prometheus.CounterVec
	ResponseFrameTotal  *prometheus.CounterVec
	DLQTotal            *prometheus.CounterVec
	PoisonQuarantineTotal *prometheus.CounterVec
	IdempotencyCollisionTotal *prometheus.CounterVec
	BatchFlushSize      *prometheus.HistogramVec
	BatchFlushDuration  *prometheus.HistogramVec
	MailboxDepth        *prometheus.GaugeVec
	CompletedTotal      *prometheus.CounterVec
	BackpressureStage   *prometheus.GaugeVec
	BackpressureRejectTotal *prometheus.CounterVec
	MisroutedAgentTotal *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_org_depth", Help: "Current depth of an org's request queue.",
		}, []string{"org_id"}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_publish_total", Help: "Publish attempts by priority and outcome.",
		}, []string{"priority", "outcome"}),
		PublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "queue_publish_latency_seconds", Help: "Publish call latency by priority.",
		}, []string{"priority"}),
		DequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_dequeue_total", Help: "Dequeue count by org and priority.",
		}, []string{"org_id", "priority"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "queue_handler_duration_seconds", Help: "Handler execution duration by org and type.",
		}, []string{"org_id", "type"}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_retry_total", Help: "Retry count by org and error kind.",
		}, []string{"org_id", "kind"}),
		PromotionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_promotion_total", Help: "Promotions by org, from, and to priority.",
		}, []string{"org_id", "from", "to"}),
		DemotionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_demotion_total", Help: "Demotions by org, from, and to priority.",
		}, []string{"org_id", "from", "to"}),
		ResponseFrameTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_response_frame_total", Help: "Response frames emitted by org and type.",
		}, []string{"org_id", "type"}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_dlq_total", Help: "DLQ inserts by org and reason.",
		}, []string{"org_id", "reason"}),
		PoisonQuarantineTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_poison_quarantine_total", Help: "Poison quarantines by org.",
		}, []string{"org_id"}),
		IdempotencyCollisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_idempotency_collision_total", Help: "Idempotency collisions by org.",
		}, []string{"org_id"}),
		BatchFlushSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "queue_audit_batch_size", Help: "Audit batch flush size.",
		}, []string{"outcome"}),
		BatchFlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "queue_audit_batch_duration_seconds", Help: "Audit batch flush duration.",
		}, []string{"outcome"}),
		MailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_coordinator_mailbox_depth", Help: "Coordinator mailbox depth by agent.",
		}, []string{"agent_id"}),
		CompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_completed_total", Help: "Completed messages by org.",
		}, []string{"org_id"}),
		BackpressureStage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_backpressure_stage", Help: "Current backpressure stage (0-4) by org.",
		}, []string{"org_id"}),
		BackpressureRejectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_backpressure_reject_total", Help: "Backpressure-rejected publishes by org.",
		}, []string{"org_id"}),
		MisroutedAgentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_coordinator_misrouted_total", Help: "Responses delivered for an agent not locally registered, by agent.",
		}, []string{"agent_id"}),
	}

	for _, c := range []prometheus.Collector{
		m.QueueDepth, m.PublishTotal, m.PublishLatency, m.DequeueTotal, m.HandlerDuration,
		m.RetryTotal, m.PromotionTotal, m.DemotionTotal, m.ResponseFrameTotal, m.DLQTotal,
		m.PoisonQuarantineTotal, m.IdempotencyCollisionTotal, m.BatchFlushSize, m.BatchFlushDuration,
		m.MailboxDepth, m.CompletedTotal, m.BackpressureStage, m.BackpressureRejectTotal,
		m.MisroutedAgentTotal,
	} {
		reg.MustRegister(c)
	}
	return m
}

func priorityLabel(p Priority) string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	case PriorityP3:
		return "P3"
	default:
		return "unknown"
	}
}

func (m *Metrics) ObservePublish(priority Priority, outcome string, d time.Duration) {
	m.PublishTotal.WithLabelValues(priorityLabel(priority), outcome).Inc()
	m.PublishLatency.WithLabelValues(priorityLabel(priority)).Observe(d.Seconds())
}

func (m *Metrics) IncDequeue(orgID string, priority Priority) {
	m.DequeueTotal.WithLabelValues(orgID, priorityLabel(priority)).Inc()
}

func (m *Metrics) ObserveHandlerDuration(orgID string, t MessageType, d time.Duration) {
	m.HandlerDuration.WithLabelValues(orgID, string(t)).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(orgID string, kind ErrorKind) {
	m.RetryTotal.WithLabelValues(orgID, string(kind)).Inc()
}

func (m *Metrics) IncPromotion(orgID string, from, to Priority) {
	m.PromotionTotal.WithLabelValues(orgID, priorityLabel(from), priorityLabel(to)).Inc()
}

func (m *Metrics) IncDemotion(orgID string, from, to Priority) {
	m.DemotionTotal.WithLabelValues(orgID, priorityLabel(from), priorityLabel(to)).Inc()
}

func (m *Metrics) IncResponseFrame(orgID string, t ResponseType) {
	m.ResponseFrameTotal.WithLabelValues(orgID, string(t)).Inc()
}

func (m *Metrics) IncDLQ(orgID, reason string) {
	m.DLQTotal.WithLabelValues(orgID, reason).Inc()
}

func (m *Metrics) IncPoisonQuarantine(orgID string) {
	m.PoisonQuarantineTotal.WithLabelValues(orgID).Inc()
}

func (m *Metrics) IncIdempotencyCollision(orgID string) {
	m.IdempotencyCollisionTotal.WithLabelValues(orgID).Inc()
}

func (m *Metrics) ObserveBatchFlush(outcome string, size int, d time.Duration) {
	m.BatchFlushSize.WithLabelValues(outcome).Observe(float64(size))
	m.BatchFlushDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) SetMailboxDepth(agentID string, depth int) {
	m.MailboxDepth.WithLabelValues(agentID).Set(float64(depth))
}

func (m *Metrics) IncCompleted(orgID string) {
	m.CompletedTotal.WithLabelValues(orgID).Inc()
}

func (m *Metrics) SetQueueDepth(orgID string, depth int) {
	m.QueueDepth.WithLabelValues(orgID).Set(float64(depth))
}

func (m *Metrics) SetBackpressureStage(orgID string, stage int) {
	m.BackpressureStage.WithLabelValues(orgID).Set(float64(stage))
}

func (m *Metrics) IncBackpressureReject(orgID string) {
	m.BackpressureRejectTotal.WithLabelValues(orgID).Inc()
}

func (m *Metrics) IncMisroute(agentID string) {
	m.MisroutedAgentTotal.WithLabelValues(agentID).Inc()
}
