package bus

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/metrics"
)

// Bus is the event backbone of the request plane: one work-queue stream
// per event kind plus a dead-letter stream each, a bounded publish outbox,
// and an optional external PUB fan-out.
type Bus struct {
	config requestplane.BusConfig

	db      *badger.DB
	streams map[string]*Stream

	outbox    *outbox
	transport *Transport

	consumers   []*Consumer
	consumersMu sync.Mutex

	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates the bus with its streams persisted under dataDir
func New(config requestplane.BusConfig, dataDir string, m *metrics.Collector) (*Bus, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "bus"))
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bus store: %w", err)
	}

	return newBus(config, db, m)
}

// NewInMemory creates a bus over an in-memory badger instance (tests)
func NewInMemory(config requestplane.BusConfig, m *metrics.Collector) (*Bus, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return newBus(config, db, m)
}

func newBus(config requestplane.BusConfig, db *badger.DB, m *metrics.Collector) (*Bus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		config:  config,
		db:      db,
		streams: make(map[string]*Stream, 2*len(StreamKinds)),
		outbox:  newOutbox(config.OutboxSize),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.Default(),
	}

	for _, kind := range StreamKinds {
		policy, ok := config.Retention[kind]
		if !ok {
			policy = config.DefaultRetention
		}
		stream, err := newStream(kind, policy, db)
		if err != nil {
			cancel()
			db.Close()
			return nil, err
		}
		b.streams[kind] = stream

		dlq, err := newStream(DLQName(kind), config.DLQRetention, db)
		if err != nil {
			cancel()
			db.Close()
			return nil, err
		}
		b.streams[DLQName(kind)] = dlq
	}

	transport, err := NewTransport(config.PubAddr)
	if err != nil {
		cancel()
		db.Close()
		return nil, err
	}
	b.transport = transport

	return b, nil
}

// Start begins the outbox flusher and the external transport
func (b *Bus) Start() error {
	b.logger.Printf("[Bus] Starting event bus (%d streams, outbox %d/kind)",
		len(b.streams), b.config.OutboxSize)

	if b.transport != nil {
		if err := b.transport.Start(); err != nil {
			return err
		}
	}

	b.wg.Add(1)
	go b.flushLoop()
	return nil
}

// Stop stops consumers, makes a final outbox flush and closes the store
func (b *Bus) Stop() error {
	b.logger.Printf("[Bus] Stopping event bus")

	b.consumersMu.Lock()
	consumers := b.consumers
	b.consumersMu.Unlock()
	for _, c := range consumers {
		c.Stop()
	}

	b.cancel()
	b.wg.Wait()

	b.FlushOutbox()

	if b.transport != nil {
		b.transport.Stop()
	}
	return b.db.Close()
}

// Publish appends an envelope to the kind's stream. Transient append
// failures park the envelope in the outbox; the event ID is returned
// either way (at-least-once, duplicates resolved by consumer dedup).
func (b *Bus) Publish(ctx context.Context, kind string, tenantID string, priority requestplane.Priority, payload any, correlationID string) (string, error) {
	stream, ok := b.streams[kind]
	if !ok {
		return "", requestplane.ErrStreamNotFound
	}

	env, err := NewEnvelope(kind, tenantID, priority, payload, correlationID)
	if err != nil {
		return "", fmt.Errorf("invalid envelope for %s: %w", kind, err)
	}

	if _, err := stream.Append(env); err != nil {
		if obErr := b.outbox.add(env); obErr != nil {
			if b.metrics != nil {
				b.metrics.OutboxDropped.WithLabelValues(kind).Inc()
			}
			return "", obErr
		}
		if b.metrics != nil {
			b.metrics.OutboxDepth.WithLabelValues(kind).Set(float64(b.outbox.depth(kind)))
		}
		return env.EventID, nil
	}

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(kind).Inc()
		b.metrics.StreamMessages.WithLabelValues(kind).Set(float64(stream.Len()))
	}

	if b.transport != nil {
		b.transport.Broadcast(env)
	}

	return env.EventID, nil
}

// Subscribe attaches a durable sequential consumer to a stream. The name
// identifies the consumer in logs; DLQ streams are subscribable too.
func (b *Bus) Subscribe(streamName, name string, handler Handler) (*Consumer, error) {
	stream, ok := b.streams[streamName]
	if !ok {
		return nil, requestplane.ErrStreamNotFound
	}

	c := newConsumer(name, stream, handler, b.config.MaxDeliver,
		time.Duration(b.config.AckWaitS)*time.Second,
		func(env *Envelope, deliveries int, cause string) error {
			return b.deadLetter(streamName, env, deliveries, cause)
		})

	if b.metrics != nil {
		c.onDelivered = func() { b.metrics.EventsDelivered.WithLabelValues(streamName).Inc() }
		c.onNakked = func() { b.metrics.EventsNakked.WithLabelValues(streamName).Inc() }
	}

	b.consumersMu.Lock()
	b.consumers = append(b.consumers, c)
	b.consumersMu.Unlock()

	c.Start()
	return c, nil
}

// deadLetter moves an exhausted envelope onto the kind's DLQ stream
func (b *Bus) deadLetter(kind string, env *Envelope, deliveries int, cause string) error {
	dlq, ok := b.streams[DLQName(kind)]
	if !ok {
		// Consumers on DLQ streams have no second-level DLQ; drop
		b.logger.Printf("[Bus] Dropping exhausted envelope %s from %s", env.EventID, kind)
		return nil
	}

	dead := *env
	dead.FailedKind = kind
	dead.FailureCause = cause
	dead.Deliveries = deliveries

	if _, err := dlq.Append(&dead); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.EventsDeadLetter.WithLabelValues(kind).Inc()
	}
	return nil
}

// DLQMessages returns up to max dead-lettered envelopes for a kind
func (b *Bus) DLQMessages(kind string, max int) ([]*Envelope, error) {
	dlq, ok := b.streams[DLQName(kind)]
	if !ok {
		return nil, requestplane.ErrStreamNotFound
	}

	msgs, err := dlq.Messages(max)
	if err != nil {
		return nil, err
	}

	envs := make([]*Envelope, len(msgs))
	for i, m := range msgs {
		envs[i] = m.Envelope
	}
	return envs, nil
}

// RequeueDLQ moves up to max envelopes from a kind's DLQ back onto the
// live stream with reset delivery state. Returns the number requeued.
func (b *Bus) RequeueDLQ(kind string, max int) (int, error) {
	dlq, ok := b.streams[DLQName(kind)]
	if !ok {
		return 0, requestplane.ErrStreamNotFound
	}
	live, ok := b.streams[kind]
	if !ok {
		return 0, requestplane.ErrStreamNotFound
	}

	requeued := 0
	for requeued < max {
		msg, err := dlq.Peek()
		if err != nil {
			return requeued, err
		}
		if msg == nil {
			break
		}

		env := *msg.Envelope
		env.FailedKind = ""
		env.FailureCause = ""
		env.Deliveries = 0

		if _, err := live.Append(&env); err != nil {
			return requeued, err
		}
		if err := dlq.Ack(msg.Seq); err != nil {
			return requeued, err
		}
		requeued++
	}

	if requeued > 0 {
		b.logger.Printf("[Bus] Requeued %d envelopes from %s", requeued, DLQName(kind))
	}
	return requeued, nil
}

// StreamLen returns the retained message count of a stream
func (b *Bus) StreamLen(streamName string) (int64, error) {
	stream, ok := b.streams[streamName]
	if !ok {
		return 0, requestplane.ErrStreamNotFound
	}
	return stream.Len(), nil
}

// Stream returns a stream by name (archiver access)
func (b *Bus) Stream(streamName string) (*Stream, bool) {
	s, ok := b.streams[streamName]
	return s, ok
}

// FlushOutbox retries every parked envelope once
func (b *Bus) FlushOutbox() {
	for _, kind := range b.outbox.kinds() {
		envs := b.outbox.take(kind)
		if len(envs) == 0 {
			continue
		}

		stream, ok := b.streams[kind]
		if !ok {
			continue
		}

		var failed []*Envelope
		flushed := 0
		for i, env := range envs {
			if _, err := stream.Append(env); err != nil {
				failed = envs[i:]
				break
			}
			flushed++
			if b.metrics != nil {
				b.metrics.EventsPublished.WithLabelValues(kind).Inc()
			}
			if b.transport != nil {
				b.transport.Broadcast(env)
			}
		}

		if len(failed) > 0 {
			dropped := b.outbox.requeue(kind, failed)
			if dropped > 0 && b.metrics != nil {
				b.metrics.OutboxDropped.WithLabelValues(kind).Add(float64(dropped))
			}
		}
		if flushed > 0 {
			b.logger.Printf("[Bus] Flushed %d outboxed envelopes to %s", flushed, kind)
		}
		if b.metrics != nil {
			b.metrics.OutboxDepth.WithLabelValues(kind).Set(float64(b.outbox.depth(kind)))
		}
	}
}

func (b *Bus) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.FlushOutbox()
		}
	}
}

// Stats returns bus-wide statistics
func (b *Bus) Stats() map[string]interface{} {
	streams := make(map[string]int64, len(b.streams))
	for name, s := range b.streams {
		streams[name] = s.Len()
	}

	outboxDepths := make(map[string]int)
	for _, kind := range b.outbox.kinds() {
		outboxDepths[kind] = b.outbox.depth(kind)
	}

	return map[string]interface{}{
		"streams": streams,
		"outbox":  outboxDepths,
	}
}
