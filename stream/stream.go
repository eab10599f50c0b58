// Package stream fans events out to subscribers by channel key and
// event mask.
package stream

import (
	"context"
	"fmt"
	"sync"

	"git.tatikoma.dev/corpix/startif/log"
)

type (
	void = struct{}

	Subscription struct {
		closeCh chan void
		mask    uint32
	}

	Stream[Channel comparable, Event any] struct {
		mu                     sync.Mutex
		subscriptionsByChannel map[Channel]map[chan<- Event]*Subscription
		subscriptionsGlobal    map[chan<- Event]*Subscription
		source                 chan Event
		done                   chan void
		once                   sync.Once
		identify               func(Event) Channel
		event                  func(Event) uint32
		name                   string
	}
)

// NewSubscription matches every event when mask is zero.
func NewSubscription(mask uint32) *Subscription {
	return &Subscription{
		closeCh: make(chan void, 1),
		mask:    mask,
	}
}

// Closed is signaled when the subscriber was disconnected for not
// keeping up.
func (s *Subscription) Closed() <-chan void { return s.closeCh }

// Publish blocks until the event is accepted or the stream stopped
// pumping, in which case it reports false.
func (s *Stream[Channel, Event]) Publish(m Event) bool {
	select {
	case s.source <- m:
		return true
	case <-s.done:
		return false
	}
}

// Consume passes events received on clientCh to handle until ctx is
// done, the subscription is closed or handle fails.
func (s *Stream[Channel, Event]) Consume(
	ctx context.Context,
	clientCh <-chan Event,
	sub *Subscription,
	handle func(Event) error,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-clientCh:
			if !ok {
				return nil
			}
			err := handle(q)
			if err != nil {
				return err
			}
		case <-sub.closeCh:
			return fmt.Errorf("%s subscription closed, queue is full", s.name)
		}
	}
}

func (s *Stream[Channel, Event]) broadcast(ctx context.Context, m Event) {
	key := s.identify(m)
	log.Ctx(ctx).Trace().
		Str("stream_name", s.name).
		Str("bucket", fmt.Sprintf("%v", key)).
		Str("payload", fmt.Sprintf("%v", m)).
		Msg("broadcasting message")

	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.subscriptionsByChannel[key]; ok {
		for clientCh, sub := range bucket {
			s.send(ctx, sub, clientCh, m, key)
		}
	}
	for clientCh, sub := range s.subscriptionsGlobal {
		s.send(ctx, sub, clientCh, m, key)
	}
}

func (s *Stream[Channel, Event]) send(ctx context.Context, sub *Subscription, clientCh chan<- Event, m Event, channel Channel) {
	eventMatch := sub.mask == 0 || (sub.mask&s.event(m) != 0)
	if !eventMatch {
		return
	}

	select {
	case clientCh <- m:
	default:
		select {
		case sub.closeCh <- void{}:
			log.Ctx(ctx).Warn().
				Str("stream_name", s.name).
				Any("channel", channel).
				Str("client", fmt.Sprintf("%p", clientCh)).
				Msgf("failed to write %s to client, queue is full, disconnecting client", s.name)
		default: // already closing
		}
	}
}

// Pump broadcasts published events until ctx is done.
func (s *Stream[Channel, Event]) Pump(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.source:
			s.broadcast(ctx, m)
		}
	}
}

// Subscribe without channels receives events of every channel.
func (s *Stream[Channel, Event]) Subscribe(clientCh chan<- Event, sub *Subscription, channels ...Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(channels) == 0 {
		s.subscriptionsGlobal[clientCh] = sub
		return
	}
	for _, id := range channels {
		bucket, ok := s.subscriptionsByChannel[id]
		if !ok {
			bucket = make(map[chan<- Event]*Subscription)
			s.subscriptionsByChannel[id] = bucket
		}
		bucket[clientCh] = sub
	}
}

func (s *Stream[Channel, Event]) Unsubscribe(clientCh chan<- Event, channels ...Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(channels) == 0 {
		delete(s.subscriptionsGlobal, clientCh)
		return
	}

	for _, id := range channels {
		if bucket, ok := s.subscriptionsByChannel[id]; ok {
			delete(bucket, clientCh)
			if len(bucket) == 0 {
				delete(s.subscriptionsByChannel, id)
			}
		}
	}
}

func New[Channel comparable, Event any](
	name string,
	backlog int,
	identify func(Event) Channel,
	event func(Event) uint32,
) *Stream[Channel, Event] {
	return &Stream[Channel, Event]{
		name:                   name,
		subscriptionsByChannel: make(map[Channel]map[chan<- Event]*Subscription),
		subscriptionsGlobal:    make(map[chan<- Event]*Subscription),
		source:                 make(chan Event, backlog),
		done:                   make(chan void),
		identify:               identify,
		event:                  event,
	}
}
