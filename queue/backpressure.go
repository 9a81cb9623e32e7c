package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BackpressureConfig holds the tiered depth thresholds and scaling
// safeguards of §4.7.
type BackpressureConfig struct {
	Stage1Depth int // default 100: scale workers
	Stage2Depth int // default 500: reject every P3 publish
	Stage3Depth int // default 1000: reject every P2 and P3 publish
	Stage4Depth int // default 5000: reject non-P0

	ScaleIncrement int
	MaxWorkers     int
	Cooldown       time.Duration
	SampleInterval time.Duration
}

// DefaultBackpressureConfig returns the defaults named in §4.7's table.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		Stage1Depth:    100,
		Stage2Depth:    500,
		Stage3Depth:    1000,
		Stage4Depth:    5000,
		ScaleIncrement: 2,
		MaxWorkers:     20,
		Cooldown:       30 * time.Second,
		SampleInterval: 5 * time.Second,
	}
}

// BackpressureController samples per-org queue depth and applies the
// tiered throttle/reject policy named in §4.7.
type BackpressureController struct {
	broker  Broker
	cfg     BackpressureConfig
	metrics *Metrics
	log     *slog.Logger
	onScale func(orgID string, newWorkerCount int)

	mu         sync.Mutex
	stage      map[string]int
	workers    map[string]int
	lastScale  map[string]time.Time
	tracked    map[string]bool
	rateLimitedP3Until map[string]time.Time
}

// NewBackpressureController constructs a controller. onScale, if
// non-nil, is invoked when a scale-up decision is made for an org.
func NewBackpressureController(broker Broker, cfg BackpressureConfig, metrics *Metrics, log *slog.Logger, onScale func(orgID string, newWorkerCount int)) *BackpressureController {
	if log == nil {
		log = slog.Default()
	}
	return &BackpressureController{
		broker:             broker,
		cfg:                cfg,
		metrics:            metrics,
		log:                log,
		onScale:            onScale,
		stage:              make(map[string]int),
		workers:            make(map[string]int),
		lastScale:          make(map[string]time.Time),
		tracked:            make(map[string]bool),
		rateLimitedP3Until: make(map[string]time.Time),
	}
}

// Track registers orgID for periodic depth sampling by Run, starting
// at baseWorkers workers.
func (b *BackpressureController) Track(orgID string, baseWorkers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracked[orgID] = true
	if _, ok := b.workers[orgID]; !ok {
		b.workers[orgID] = baseWorkers
	}
}

// Run samples tracked orgs' queue depth on cfg.SampleInterval until ctx
// is canceled.
func (b *BackpressureController) Run(ctx context.Context) {
	interval := b.cfg.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sampleAll(ctx)
		}
	}
}

func (b *BackpressureController) sampleAll(ctx context.Context) {
	b.mu.Lock()
	orgs := make([]string, 0, len(b.tracked))
	for org := range b.tracked {
		orgs = append(orgs, org)
	}
	b.mu.Unlock()

	for _, org := range orgs {
		depth, err := b.broker.QueueDepth(ctx, org)
		if err != nil {
			b.log.Warn("backpressure depth sample failed", "org_id", org, "error", err)
			continue
		}
		b.applyStage(org, depth)
	}
}

func (b *BackpressureController) stageFor(depth int) int {
	switch {
	case depth >= b.cfg.Stage4Depth:
		return 4
	case depth >= b.cfg.Stage3Depth:
		return 3
	case depth >= b.cfg.Stage2Depth:
		return 2
	case depth >= b.cfg.Stage1Depth:
		return 1
	default:
		return 0
	}
}

func (b *BackpressureController) applyStage(orgID string, depth int) {
	stage := b.stageFor(depth)

	b.mu.Lock()
	b.stage[orgID] = stage
	shouldScale := stage >= 1 && b.workers[orgID] < b.cfg.MaxWorkers &&
		time.Since(b.lastScale[orgID]) >= b.cfg.Cooldown
	var newCount int
	if shouldScale {
		newCount = b.workers[orgID] + b.cfg.ScaleIncrement
		if newCount > b.cfg.MaxWorkers {
			newCount = b.cfg.MaxWorkers
		}
		b.workers[orgID] = newCount
		b.lastScale[orgID] = time.Now()
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetQueueDepth(orgID, depth)
		b.metrics.SetBackpressureStage(orgID, stage)
	}
	if shouldScale && b.onScale != nil {
		b.onScale(orgID, newCount)
	}
}

// Admit decides whether a publish at priority should proceed, per the
// tiered table in §4.7. Publisher confirms for P0 are never affected:
// emergency rejection only applies to non-P0 priorities. Stages 2 and 3
// reject every publish of the affected priorities; no partial admission
// rate is applied.
func (b *BackpressureController) Admit(ctx context.Context, orgID string, priority Priority) error {
	b.mu.Lock()
	stage := b.stage[orgID]
	b.mu.Unlock()

	if priority == PriorityP0 {
		return nil
	}
	switch {
	case stage >= 4:
		if b.metrics != nil {
			b.metrics.IncBackpressureReject(orgID)
		}
		return newBackpressureError(orgID)
	case stage >= 3 && (priority == PriorityP2 || priority == PriorityP3):
		if b.metrics != nil {
			b.metrics.IncBackpressureReject(orgID)
		}
		return newBackpressureError(orgID)
	case stage >= 2 && priority == PriorityP3:
		if b.metrics != nil {
			b.metrics.IncBackpressureReject(orgID)
		}
		return newBackpressureError(orgID)
	default:
		return nil
	}
}

// CurrentStage returns the last-observed backpressure stage for orgID.
func (b *BackpressureController) CurrentStage(orgID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stage[orgID]
}
