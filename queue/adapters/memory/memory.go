// Package memory provides an in-process queue.Broker implementation
// backed by per-priority slices and Go channels, used by the
// conformance test suite and as a deterministic stand-in for the real
// AMQP adapter in queue/adapters/amqp.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FastyrAI/TuringAgents/pkg/datastructures/queue/delay"
	"github.com/FastyrAI/TuringAgents/queue"
)

var errAgentNotDeclared = errors.New("memory broker: agent not declared")

type orgState struct {
	declared bool
	// priority index 0..3 maps to P0..P3; each is a FIFO slice.
	queues [4][]*queue.MessageEnvelope
	cond   *sync.Cond
	dlq    []*queue.DLQRecord
}

type agentState struct {
	declared bool
	ch       chan *queue.Response
}

// Broker is an in-memory queue.Broker.
type Broker struct {
	mu     sync.Mutex
	orgs   map[string]*orgState
	agents map[string]*agentState
	delay  *delay.Queue[*delayedItem]
	closed bool

	responseBuffer int
}

type delayedItem struct {
	orgID string
	env   *queue.MessageEnvelope
}

// Config configures the in-memory broker.
type Config struct {
	// ResponseBufferSize bounds each agent's response channel.
	ResponseBufferSize int
}

// New constructs an in-memory broker and starts its delayed-redelivery
// pump.
func New(cfg Config) *Broker {
	if cfg.ResponseBufferSize <= 0 {
		cfg.ResponseBufferSize = 256
	}
	b := &Broker{
		orgs:           make(map[string]*orgState),
		agents:         make(map[string]*agentState),
		delay:          delay.New[*delayedItem](),
		responseBuffer: cfg.ResponseBufferSize,
	}
	go b.pumpDelayed()
	return b
}

func (b *Broker) org(orgID string) *orgState {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orgs[orgID]
	if !ok {
		o = &orgState{cond: sync.NewCond(&sync.Mutex{})}
		b.orgs[orgID] = o
	}
	return o
}

func (b *Broker) DeclareOrg(ctx context.Context, orgID string) error {
	o := b.org(orgID)
	o.cond.L.Lock()
	o.declared = true
	o.cond.L.Unlock()
	return nil
}

func (b *Broker) DeclareAgent(ctx context.Context, orgID, agentID string) error {
	b.org(orgID) // ensures org exists
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[agentID]
	if !ok {
		a = &agentState{ch: make(chan *queue.Response, b.responseBuffer)}
		b.agents[agentID] = a
	}
	a.declared = true
	return nil
}

func (b *Broker) PublishRequest(ctx context.Context, orgID string, env *queue.MessageEnvelope, priority queue.Priority, confirm bool) error {
	o := b.org(orgID)
	o.cond.L.Lock()
	o.queues[priority] = append(o.queues[priority], env)
	o.cond.Broadcast()
	o.cond.L.Unlock()
	return nil
}

func (b *Broker) ConsumeRequests(ctx context.Context, orgID string, prefetch int, handler queue.RequestHandler) error {
	o := b.org(orgID)
	if prefetch <= 0 {
		prefetch = 10
	}
	sem := make(chan struct{}, prefetch)

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		o.cond.L.Lock()
		o.cond.Broadcast()
		o.cond.L.Unlock()
		close(stop)
	}()

	for {
		env, ok := b.popNext(ctx, o)
		if !ok {
			return ctx.Err()
		}

		sem <- struct{}{}
		go func(env *queue.MessageEnvelope) {
			defer func() { <-sem }()
			d := queue.Delivery{
				Envelope:      env,
				DeliveryCount: 1,
				Ack:           func() error { return nil },
				Nack: func(requeue bool) error {
					if requeue {
						b.PublishRequest(context.Background(), orgID, env, env.Headers.Priority, false)
					}
					return nil
				},
			}
			_ = handler(ctx, d)
		}(env)
	}
}

func (b *Broker) popNext(ctx context.Context, o *orgState) (*queue.MessageEnvelope, bool) {
	o.cond.L.Lock()
	defer o.cond.L.Unlock()
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		for p := 0; p < 4; p++ {
			if len(o.queues[p]) > 0 {
				env := o.queues[p][0]
				o.queues[p] = o.queues[p][1:]
				return env, true
			}
		}
		// ConsumeRequests broadcasts on ctx cancellation, so Wait also
		// wakes when the consumer is stopped.
		o.cond.Wait()
		if ctx.Err() != nil {
			return nil, false
		}
	}
}

func (b *Broker) PublishResponse(ctx context.Context, orgID, agentID string, resp *queue.Response) error {
	b.mu.Lock()
	a, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return queueErrClosed()
	}
	select {
	case a.ch <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) ConsumeResponses(ctx context.Context, agentID string, handler queue.ResponseHandler) error {
	b.mu.Lock()
	a, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return queueErrClosed()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp := <-a.ch:
			if err := handler(ctx, resp); err != nil {
				continue
			}
		}
	}
}

func (b *Broker) PublishDelayed(ctx context.Context, orgID string, env *queue.MessageEnvelope, delayFor time.Duration) error {
	b.delay.Enqueue(&delayedItem{orgID: orgID, env: env}, delayFor)
	return nil
}

func (b *Broker) pumpDelayed() {
	for {
		item, err := b.delay.DequeueContext(context.Background())
		if err != nil {
			return
		}
		_ = b.PublishRequest(context.Background(), item.orgID, item.env, item.env.Headers.Priority, false)
	}
}

func (b *Broker) PublishDLQ(ctx context.Context, record *queue.DLQRecord) error {
	o := b.org(record.OrgID)
	o.cond.L.Lock()
	o.dlq = append(o.dlq, record)
	o.cond.L.Unlock()
	return nil
}

func (b *Broker) QueueDepth(ctx context.Context, orgID string) (int, error) {
	o := b.org(orgID)
	o.cond.L.Lock()
	defer o.cond.L.Unlock()
	n := 0
	for p := 0; p < 4; p++ {
		n += len(o.queues[p])
	}
	return n, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.delay.Close()
	return nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func queueErrClosed() error {
	return errAgentNotDeclared
}
