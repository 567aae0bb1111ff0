// Package tracker linearizes per-device message processing between the
// broker consumer and the device actor. Messages are processed strictly in
// broker delivery order, one at a time, and a crashing actor requeues every
// unacknowledged message instead of losing it: the broker queue is the only
// write-ahead log.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Crash-recovery backoff: a fixed floor plus a uniform jitter, applied
// before the tracker accepts a replacement actor while messages are being
// requeued.
const (
	BaseBackoff   = 1 * time.Second
	RandomBackoff = 9 * time.Second
)

// Acknowledger settles deliveries on the broker channel that consumed them.
// Implemented by the AMQP consumer.
type Acknowledger interface {
	Ack(tag uint64) error
	Discard(tag uint64) error
	Requeue(tag uint64) error
}

// DeliveryTag tags an in-flight message. Broker deliveries carry the
// channel's delivery tag; injected messages (volatile trigger operations)
// carry a synthetic reference and never touch the broker; requeued tags
// mark messages returned to the broker during crash recovery, awaiting
// redelivery under a fresh tag.
type DeliveryTag interface {
	isDeliveryTag()
}

// BrokerTag is a live broker delivery tag.
type BrokerTag uint64

// InjectedTag is a synthetic reference for messages the plant injects into
// the per-device stream.
type InjectedTag uuid.UUID

// RequeuedTag is a broker tag already returned to the queue.
type RequeuedTag uint64

func (BrokerTag) isDeliveryTag()   {}
func (InjectedTag) isDeliveryTag() {}
func (RequeuedTag) isDeliveryTag() {}

type trackerState int

const (
	stateNew trackerState = iota
	stateAccepting
	stateWaitingDelivery
	stateWaitingCleanup
)

// MessageTracker is the per-device linearizer. One instance serves one
// {realm, device} stream for the lifetime of the queue assignment,
// surviving actor crashes.
type MessageTracker struct {
	mu           sync.Mutex
	acknowledger Acknowledger
	logger       *slog.Logger

	state      trackerState
	queue      []string
	ids        map[string]DeliveryTag
	waitingMID string
	ready      chan bool
	cleanup    chan struct{}

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewMessageTracker creates a tracker settling deliveries through the
// given acknowledger.
func NewMessageTracker(acknowledger Acknowledger, logger *slog.Logger) *MessageTracker {
	return &MessageTracker{
		acknowledger: acknowledger,
		logger:       logger,
		state:        stateNew,
		ids:          make(map[string]DeliveryTag),
		sleep:        time.Sleep,
	}
}

// Register attaches a device actor to the tracker. The first registration
// is immediate; a registration while a previous actor is still attached
// parks until that actor's crash recovery completes.
func (t *MessageTracker) Register(ctx context.Context) error {
	t.mu.Lock()
	if t.state == stateNew {
		t.state = stateAccepting
		t.mu.Unlock()
		return nil
	}

	cleanup := make(chan struct{})
	t.cleanup = cleanup
	t.state = stateWaitingCleanup
	t.mu.Unlock()

	select {
	case <-cleanup:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		if t.cleanup == cleanup {
			t.cleanup = nil
			t.state = stateNew
		}
		t.mu.Unlock()
		return ctx.Err()
	}
}

// TrackDelivery records a broker delivery for a message id. Unknown ids are
// appended to the FIFO; ids marked requeued get their fresh tag. If an
// actor is parked waiting for this message at the head of the queue, it is
// released.
func (t *MessageTracker) TrackDelivery(messageID string, tag DeliveryTag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, tracked := t.ids[messageID]
	switch {
	case !tracked:
		t.queue = append(t.queue, messageID)
		t.ids[messageID] = tag
	default:
		if _, requeued := existing.(RequeuedTag); requeued {
			t.ids[messageID] = tag
		}
	}

	if t.state == stateWaitingDelivery && t.waitingMID == messageID &&
		len(t.queue) > 0 && t.queue[0] == messageID {
		if _, requeued := t.ids[messageID].(RequeuedTag); !requeued {
			t.ready <- true
			t.ready = nil
			t.waitingMID = ""
			t.state = stateAccepting
		}
	}
}

// CanProcessMessage reports whether the actor may process a message now.
// True only when the message heads the FIFO under a live tag. When the
// delivery has not been tracked yet, or its tag is still marked requeued,
// the call parks until TrackDelivery releases it. A message behind the
// head returns false and must be ignored; it will be redelivered.
func (t *MessageTracker) CanProcessMessage(ctx context.Context, messageID string) (bool, error) {
	t.mu.Lock()
	if t.state != stateAccepting {
		t.mu.Unlock()
		return false, fmt.Errorf("tracker is not accepting (state %d)", t.state)
	}

	if len(t.queue) > 0 {
		if t.queue[0] != messageID {
			t.mu.Unlock()
			return false, nil
		}
		if _, requeued := t.ids[messageID].(RequeuedTag); !requeued {
			t.mu.Unlock()
			return true, nil
		}
	}

	// Head missing or stale: wait for the consumer to report the delivery.
	ready := make(chan bool, 1)
	t.ready = ready
	t.waitingMID = messageID
	t.state = stateWaitingDelivery
	t.mu.Unlock()

	select {
	case ok := <-ready:
		return ok, nil
	case <-ctx.Done():
		t.mu.Lock()
		if t.ready == ready {
			t.ready = nil
			t.waitingMID = ""
			t.state = stateAccepting
		}
		t.mu.Unlock()
		return false, ctx.Err()
	}
}

// AckDelivery settles the head message as processed and acknowledges it on
// the broker. Injected and requeued tags skip the broker call.
func (t *MessageTracker) AckDelivery(messageID string) error {
	tag, err := t.dequeue(messageID)
	if err != nil {
		return err
	}
	if broker, ok := tag.(BrokerTag); ok {
		if err := t.acknowledger.Ack(uint64(broker)); err != nil {
			return fmt.Errorf("failed to ack delivery %d: %w", uint64(broker), err)
		}
	}
	return nil
}

// Discard settles the head message as rejected without requeue, removing it
// from the broker queue.
func (t *MessageTracker) Discard(messageID string) error {
	tag, err := t.dequeue(messageID)
	if err != nil {
		return err
	}
	if broker, ok := tag.(BrokerTag); ok {
		if err := t.acknowledger.Discard(uint64(broker)); err != nil {
			return fmt.Errorf("failed to discard delivery %d: %w", uint64(broker), err)
		}
	}
	return nil
}

// DropInjected removes an injected message from the FIFO regardless of its
// position. A crashing actor drops the injected messages drained from its
// inbox: they have no broker copy to redeliver, so leaving them queued would
// stall the replacement actor forever. Broker-tagged ids are left alone.
func (t *MessageTracker) DropInjected(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[messageID].(InjectedTag); !ok {
		return
	}
	delete(t.ids, messageID)
	for i, id := range t.queue {
		if id == messageID {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}
}

func (t *MessageTracker) dequeue(messageID string) (DeliveryTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateAccepting {
		return nil, fmt.Errorf("tracker is not accepting (state %d)", t.state)
	}
	if len(t.queue) == 0 || t.queue[0] != messageID {
		return nil, fmt.Errorf("message %x is not at the head of the queue", messageID)
	}
	tag := t.ids[messageID]
	t.queue = t.queue[1:]
	delete(t.ids, messageID)
	return tag, nil
}

// HandleCrash is invoked by a dying actor. Every queued broker delivery is
// returned to the broker and marked requeued, a jittered backoff throttles
// the crash loop, and a parked replacement actor (if any) is released.
func (t *MessageTracker) HandleCrash() {
	t.mu.Lock()
	requeued := 0
	for _, messageID := range t.queue {
		broker, ok := t.ids[messageID].(BrokerTag)
		if !ok {
			continue
		}
		if err := t.acknowledger.Requeue(uint64(broker)); err != nil {
			t.logger.Warn("Failed to requeue delivery during crash recovery",
				"delivery_tag", uint64(broker), "error", err)
		}
		t.ids[messageID] = RequeuedTag(broker)
		requeued++
	}
	backoff := len(t.queue) > 0
	t.mu.Unlock()

	if requeued > 0 {
		t.logger.Warn("Requeued in-flight messages after actor crash", "count", requeued)
	}
	if backoff {
		t.sleep(BaseBackoff + rand.N(RandomBackoff))
	}

	t.mu.Lock()
	if t.state == stateWaitingCleanup && t.cleanup != nil {
		close(t.cleanup)
		t.cleanup = nil
		t.state = stateAccepting
	} else {
		t.state = stateNew
	}
	t.mu.Unlock()
}

// HandleChannelClosed marks every in-flight broker delivery as requeued.
// Invoked when the consumer channel that delivered them dies: the broker
// returns the channel's unacknowledged deliveries to the queue on its own,
// so no settle calls are issued here, but the stale tags must never be
// settled on the replacement channel. TrackDelivery refreshes each tag when
// the broker redelivers the message.
func (t *MessageTracker) HandleChannelClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, messageID := range t.queue {
		if broker, ok := t.ids[messageID].(BrokerTag); ok {
			t.ids[messageID] = RequeuedTag(broker)
		}
	}
}

// QueueLength is the number of in-flight messages, exposed for health
// inspection.
func (t *MessageTracker) QueueLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
