package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	minheap "github.com/FastyrAI/TuringAgents/pkg/datastructures/heap"
)

// CoordinatorConfig bounds mailbox capacity, overflow policy, and
// heartbeat liveness detection for a Coordinator.
type CoordinatorConfig struct {
	MailboxCapacity     int
	MailboxPolicy       MailboxPolicy
	HeartbeatInterval   time.Duration
	MissedThreshold     int
	MisroutingThreshold int
	DeletionGrace       time.Duration
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MailboxCapacity:     256,
		MailboxPolicy:       MailboxDropOldestNonP0,
		HeartbeatInterval:   10 * time.Second,
		MissedThreshold:     3,
		MisroutingThreshold: 5,
		DeletionGrace:       30 * time.Second,
	}
}

type agentRegistration struct {
	orgID          string
	mailbox        *Mailbox
	cancel         context.CancelFunc
	generation     int64
	missed         int
	misrouteCount  int
	lastHeartbeat  time.Time
}

// Coordinator is the per-server response multiplexer: it owns the
// broker connection on behalf of all locally hosted agents and routes
// response frames to in-memory agent mailboxes.
type Coordinator struct {
	broker   Broker
	producer *Producer
	eventLog *EventLogWriter
	metrics  *Metrics
	log      *slog.Logger
	cfg      CoordinatorConfig

	mu         sync.Mutex
	agents     map[string]*agentRegistration
	deadlines  *minheap.MinHeap[string]
	generation map[string]int64
	misrouted  map[string]int
	dead       map[string]bool
}

// NewCoordinator constructs a Coordinator. producer is used to fulfill
// Send by delegation per §4.4.
func NewCoordinator(broker Broker, producer *Producer, eventLog *EventLogWriter, metrics *Metrics, log *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 256
	}
	return &Coordinator{
		broker:     broker,
		producer:   producer,
		eventLog:   eventLog,
		metrics:    metrics,
		log:        log,
		cfg:        cfg,
		agents:     make(map[string]*agentRegistration),
		deadlines:  minheap.NewMinHeap[string](),
		generation: make(map[string]int64),
		misrouted:  make(map[string]int),
		dead:       make(map[string]bool),
	}
}

// Register declares and binds the agent's response queue, opens a
// consumer, and creates its in-memory mailbox. The returned Mailbox is
// the subscription handle.
func (c *Coordinator) Register(ctx context.Context, orgID, agentID string) (*Mailbox, error) {
	if err := c.broker.DeclareAgent(ctx, orgID, agentID); err != nil {
		return nil, newBrokerUnavailableError(err)
	}

	mailbox := NewMailbox(agentID, c.cfg.MailboxCapacity, c.cfg.MailboxPolicy)
	consumeCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.generation[agentID]++
	gen := c.generation[agentID]
	c.agents[agentID] = &agentRegistration{orgID: orgID, mailbox: mailbox, cancel: cancel, generation: gen, lastHeartbeat: time.Now()}
	c.deadlines.PushItem(agentID, float64(time.Now().Add(c.cfg.HeartbeatInterval).UnixNano()))
	delete(c.misrouted, agentID)
	delete(c.dead, agentID)
	c.mu.Unlock()

	go func() {
		err := c.broker.ConsumeResponses(consumeCtx, agentID, func(_ context.Context, resp *Response) error {
			return c.deliver(agentID, resp)
		})
		if err != nil && consumeCtx.Err() == nil {
			c.log.Warn("response consumer exited unexpectedly", "agent_id", agentID, "error", err)
		}
	}()

	return mailbox, nil
}

// Unregister cancels the agent's consumer and closes its mailbox after
// a drain deadline.
func (c *Coordinator) Unregister(agentID string) {
	c.mu.Lock()
	reg, ok := c.agents[agentID]
	if ok {
		delete(c.agents, agentID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	reg.cancel()
	go func() {
		time.Sleep(c.cfg.DeletionGrace)
		reg.mailbox.Close()
	}()
}

// Send delegates to the Producer.
func (c *Coordinator) Send(ctx context.Context, msg *Message) (*PublishOutcome, error) {
	return c.producer.Publish(ctx, msg)
}

// GetResponseFor pops the next queued response for agentID, if any.
func (c *Coordinator) GetResponseFor(agentID string) (*Response, bool) {
	c.mu.Lock()
	reg, ok := c.agents[agentID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	reg.lastHeartbeat = time.Now()
	return reg.mailbox.Pop()
}

// deliver routes a response to its agent's mailbox, or reroutes/marks
// the agent dead when it is not locally registered.
func (c *Coordinator) deliver(agentID string, resp *Response) error {
	c.mu.Lock()
	reg, ok := c.agents[agentID]
	c.mu.Unlock()
	if !ok {
		return c.handleMisroute(agentID, resp)
	}

	dropped, full := reg.mailbox.Push(resp)
	if dropped != nil {
		_, _ = reg.mailbox.Push(&Response{RequestID: dropped.RequestID, Type: RespProgress, AgentID: agentID, Note: "dropped", Timestamp: time.Now()})
	}
	if full && dropped == nil {
		// MailboxBlock policy: stop consuming for this agent until the
		// owner drains it. Returning an error here causes the broker
		// adapter's consumer loop to requeue the delivery.
		return newKindError(ErrUnknown, "QUEUE_MAILBOX_FULL", "mailbox full for agent "+agentID, nil)
	}
	if c.metrics != nil {
		c.metrics.SetMailboxDepth(agentID, reg.mailbox.Len())
	}
	return nil
}

// handleMisroute is invoked when a response arrives for an agent not
// locally registered; past MisroutingThreshold occurrences the agent
// is presumed dead and further deliveries for it are rejected outright
// rather than nacked for redelivery, so a permanently misrouted
// response doesn't loop forever between broker and coordinator.
func (c *Coordinator) handleMisroute(agentID string, resp *Response) error {
	if c.metrics != nil {
		c.metrics.IncMisroute(agentID)
	}

	c.mu.Lock()
	alreadyDead := c.dead[agentID]
	if !alreadyDead {
		c.misrouted[agentID]++
	}
	count := c.misrouted[agentID]
	threshold := c.cfg.MisroutingThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if !alreadyDead && count >= threshold {
		c.dead[agentID] = true
		alreadyDead = true
	}
	c.mu.Unlock()

	if alreadyDead {
		c.log.Error("agent presumed dead after persistent misrouting, dropping response", "agent_id", agentID, "request_id", resp.RequestID, "misroute_count", count)
		return newKindError(ErrUnknown, "QUEUE_AGENT_DEAD", "agent presumed dead after persistent misrouting: "+agentID, nil)
	}

	c.log.Warn("response for unregistered agent, nacking for reroute", "agent_id", agentID, "request_id", resp.RequestID, "misroute_count", count)
	return newKindError(ErrUnknown, "QUEUE_MISROUTE", "agent not locally registered: "+agentID, nil)
}

// RunHeartbeatSweep drains expired heartbeat deadlines until ctx is
// canceled, using lazy deletion against the generation map so a
// re-registered agent's stale heap entries are discarded rather than
// acted on.
func (c *Coordinator) RunHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Coordinator) sweepOnce() {
	now := time.Now()
	for {
		agentID, score, ok := c.deadlines.Peek()
		if !ok || int64(score) > now.UnixNano() {
			return
		}
		c.deadlines.PopItem()
		c.evaluateHeartbeat(agentID)
	}
}

func (c *Coordinator) evaluateHeartbeat(agentID string) {
	c.mu.Lock()
	reg, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	stale := time.Since(reg.lastHeartbeat) >= c.cfg.HeartbeatInterval
	if stale {
		reg.missed++
	} else {
		reg.missed = 0
	}
	missed := reg.missed
	full := reg.mailbox.Len() >= c.cfg.MailboxCapacity
	c.deadlines.PushItem(agentID, float64(time.Now().Add(c.cfg.HeartbeatInterval).UnixNano()))
	c.mu.Unlock()

	if missed >= c.cfg.MissedThreshold {
		c.log.Warn("agent missed heartbeats, unregistering", "agent_id", agentID, "missed", missed)
		c.Unregister(agentID)
		return
	}
	if full {
		c.log.Warn("agent mailbox runaway, unregistering", "agent_id", agentID)
		c.Unregister(agentID)
	}
}

// Heartbeat is called by an agent's owning process to report liveness.
func (c *Coordinator) Heartbeat(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.agents[agentID]; ok {
		reg.lastHeartbeat = time.Now()
		reg.missed = 0
	}
}

// ResponseStream is the lazy finite sequence of Response items for a
// single request_id, terminated by stream_complete or result, per the
// "coroutine-style response streams" redesign note in §9.
type ResponseStream struct {
	mailbox   *Mailbox
	requestID string
	done      bool
}

// Stream returns a lazy finite sequence of responses for requestID
// drawn from the agent's mailbox.
func (c *Coordinator) Stream(agentID, requestID string) (*ResponseStream, bool) {
	c.mu.Lock()
	reg, ok := c.agents[agentID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &ResponseStream{mailbox: reg.mailbox, requestID: requestID}, true
}

// Next blocks until a matching Response is available, ctx is canceled,
// or the stream has already terminated.
func (s *ResponseStream) Next(ctx context.Context) (*Response, bool, error) {
	if s.done {
		return nil, false, nil
	}
	for {
		if resp, ok := s.mailbox.Pop(); ok {
			if resp.RequestID != s.requestID {
				continue
			}
			if resp.Type == RespStreamComplete || resp.Type == RespResult || resp.Type == RespError {
				s.done = true
			}
			return resp, true, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-s.mailbox.Wait():
		}
	}
}
