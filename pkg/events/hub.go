package events

import (
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// GenerationTopic is the single topic all generation events travel on.
const GenerationTopic = "generation"

// Hub is the process-wide fan-out channel for generation events. It is
// created once at startup and closed at process exit; everything that needs
// it gets it injected.
//
// Subscriptions observe only events published after they were created —
// there is no replay buffer. Lossy subscriptions (the default, meant for
// live viewers) drop their oldest unread events when the per-subscription
// buffer fills up, so a slow viewer can never stall the generation.
type Hub struct {
	pubSub *gochannel.GoChannel
	buffer int
	logger watermill.LoggerAdapter
}

type HubOption func(*Hub)

func WithLogger(logger watermill.LoggerAdapter) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithBufferSize sets the per-subscription backlog bound.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewHub(options ...HubOption) *Hub {
	h := &Hub{
		buffer: 10,
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(h)
	}

	h.pubSub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(h.buffer),
	}, h.logger)

	return h
}

// Publisher exposes the raw watermill publisher.
func (h *Hub) Publisher() message.Publisher {
	return h.pubSub
}

// Sink returns an EventSink that publishes onto the hub.
func (h *Hub) Sink() *WatermillSink {
	return NewWatermillSink(h.pubSub, GenerationTopic)
}

func (h *Hub) Close() error {
	log.Debug().Msg("closing hub")
	return h.pubSub.Close()
}

type SubscriptionOption func(*Subscription)

// WithReliable makes the subscription deliver every event, pacing the
// publisher instead of dropping. The persistence writer uses this; live
// viewers must not.
func WithReliable() SubscriptionOption {
	return func(s *Subscription) {
		s.lossy = false
	}
}

// Subscribe returns a fresh receive handle. The handle only observes events
// published after this call returns.
func (h *Hub) Subscribe(ctx context.Context, options ...SubscriptionOption) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	msgs, err := h.pubSub.Subscribe(subCtx, GenerationTopic)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{
		ch:     make(chan Event, h.buffer),
		ctx:    subCtx,
		cancel: cancel,
		lossy:  true,
	}
	for _, o := range options {
		o(s)
	}

	go s.forward(msgs)

	return s, nil
}

// Subscription is one receive handle on the hub. Its channel is closed when
// the subscription is closed, its context is cancelled, or the hub shuts
// down.
type Subscription struct {
	ch      chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	lossy   bool
	dropped int64
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscription lost to lag.
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) forward(msgs <-chan *message.Message) {
	defer close(s.ch)

	for msg := range msgs {
		ev, err := NewEventFromJSON(msg.Payload)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("skipping undecodable event")
			continue
		}

		if s.lossy {
			s.offer(ev)
			continue
		}

		select {
		case s.ch <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// offer delivers best-effort: when the buffer is full the oldest unread
// event is evicted to make room.
func (s *Subscription) offer(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		atomic.AddInt64(&s.dropped, 1)
	default:
	}

	select {
	case s.ch <- ev:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}
