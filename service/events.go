package service

import (
	"context"
	"os"
	"sync"

	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/startif"
	"git.tatikoma.dev/corpix/startif/stream"
)

const DefaultEventsBacklog = 256

type (
	EventStream = stream.Stream[string, startif.Event]

	// Events publishes controller events on a stream and feeds every
	// subscriber from its own queue.
	Events struct {
		stream      *EventStream
		subscribers []subscriber
	}

	subscriber struct {
		name     string
		observer startif.Observer
		mask     uint32
	}
)

func NewEvents() *Events {
	return &Events{
		stream: stream.New(
			"controller events",
			DefaultEventsBacklog,
			func(e startif.Event) string { return e.ID },
			func(e startif.Event) uint32 { return e.Kind.Mask() },
		),
	}
}

// Subscribe must be called before Run. Kinds filter the events passed
// to observer, all events are passed when none given.
func (e *Events) Subscribe(name string, observer startif.Observer, kinds ...startif.EventKind) {
	var mask uint32
	for _, kind := range kinds {
		mask |= kind.Mask()
	}
	e.subscribers = append(e.subscribers, subscriber{
		name:     name,
		observer: observer,
		mask:     mask,
	})
}

// Observer publishes controller events, events published after Run
// returned are dropped.
func (e *Events) Observer() startif.Observer {
	return func(evt startif.Event) {
		e.stream.Publish(evt)
	}
}

func (e *Events) Name() string  { return "events" }
func (e *Events) Enabled() bool { return true }

func (e *Events) Run(ctx context.Context, ready *sync.WaitGroup) error {
	var wg sync.WaitGroup
	for _, sub := range e.subscribers {
		ch := make(chan startif.Event, DefaultEventsBacklog)
		s := stream.NewSubscription(sub.mask)
		e.stream.Subscribe(ch, s)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.stream.Unsubscribe(ch)
			err := e.stream.Consume(ctx, ch, s, func(evt startif.Event) error {
				sub.observer(evt)
				return nil
			})
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Str("subscriber", sub.name).Msg("event subscriber stopped")
			}
		}()
	}

	ready.Done()
	e.stream.Pump(ctx)
	wg.Wait()
	return nil
}

func (e *Events) Signal(os.Signal) {}
func (e *Events) Close() error     { return nil }
