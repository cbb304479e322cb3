package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Handler processes one delivered envelope. A nil return acknowledges the
// message; an error NAKs it for redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// dedupWindow bounds the per-consumer seen-event-ID set
const dedupWindow = 4096

// Consumer drains one stream sequentially, which preserves per-(kind,
// tenant) ordering. Each message is handled under the ack-wait deadline;
// failures redeliver with backoff until max-deliver moves the envelope to
// the dead-letter stream.
type Consumer struct {
	name    string
	stream  *Stream
	handler Handler

	maxDeliver int
	ackWait    time.Duration

	// deadLetter moves an exhausted envelope to the DLQ stream
	deadLetter func(env *Envelope, deliveries int, cause string) error

	onDelivered func()
	onNakked    func()

	// seen is the duplicate-delivery guard keyed by event ID
	seen     map[string]struct{}
	seenRing []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

func newConsumer(name string, stream *Stream, handler Handler, maxDeliver int, ackWait time.Duration, deadLetter func(env *Envelope, deliveries int, cause string) error) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		name:       name,
		stream:     stream,
		handler:    handler,
		maxDeliver: maxDeliver,
		ackWait:    ackWait,
		deadLetter: deadLetter,
		seen:       make(map[string]struct{}, dedupWindow),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.Default(),
	}
}

// Start begins the consume loop
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop stops the consumer after the in-flight message finishes
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Consumer) run() {
	defer c.wg.Done()

	idle := time.NewTicker(250 * time.Millisecond)
	defer idle.Stop()

	for {
		processed, err := c.processNext()
		if err != nil {
			c.logger.Printf("[Bus] Consumer %s: %v", c.name, err)
		}
		if processed {
			// Drain eagerly while work is queued
			if c.ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-c.ctx.Done():
			return
		case <-c.stream.notify:
		case <-idle.C:
		}
	}
}

// processNext handles the head message. Returns whether a message was
// processed (ack, redelivery-scheduled or dead-lettered all count).
func (c *Consumer) processNext() (bool, error) {
	msg, err := c.stream.Peek()
	if err != nil {
		return false, fmt.Errorf("peek failed: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	// At-least-once tolerates duplicates; drop replays of an already
	// handled event ID
	if c.isDuplicate(msg.Envelope.EventID) {
		return true, c.stream.Ack(msg.Seq)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.ackWait)
	err = c.handler(ctx, msg.Envelope)
	cancel()

	if err == nil {
		c.remember(msg.Envelope.EventID)
		if c.onDelivered != nil {
			c.onDelivered()
		}
		return true, c.stream.Ack(msg.Seq)
	}

	if c.onNakked != nil {
		c.onNakked()
	}

	deliveries := msg.Deliveries + 1
	if deliveries >= c.maxDeliver {
		c.logger.Printf("[Bus] Consumer %s: event %s exhausted %d deliveries, dead-lettering: %v",
			c.name, msg.Envelope.EventID, deliveries, err)
		if dlqErr := c.deadLetter(msg.Envelope, deliveries, err.Error()); dlqErr != nil {
			return true, fmt.Errorf("dead-letter failed for %s: %w", msg.Envelope.EventID, dlqErr)
		}
		return true, c.stream.Ack(msg.Seq)
	}

	if markErr := c.stream.MarkDelivery(msg.Seq, deliveries); markErr != nil {
		return true, markErr
	}

	// Redelivery backoff grows with the attempt count
	select {
	case <-c.ctx.Done():
	case <-time.After(time.Duration(deliveries) * 100 * time.Millisecond):
	}
	return true, nil
}

func (c *Consumer) isDuplicate(eventID string) bool {
	_, ok := c.seen[eventID]
	return ok
}

func (c *Consumer) remember(eventID string) {
	if _, ok := c.seen[eventID]; ok {
		return
	}
	c.seen[eventID] = struct{}{}
	c.seenRing = append(c.seenRing, eventID)
	if len(c.seenRing) > dedupWindow {
		delete(c.seen, c.seenRing[0])
		c.seenRing = c.seenRing[1:]
	}
}
