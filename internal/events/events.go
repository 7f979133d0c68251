package events

import (
	"context"
	"sync"
	"time"

	"custom-domain-reconciler/internal/metrics"
	"custom-domain-reconciler/internal/models"

	"github.com/rs/zerolog/log"
)

// Transition is a domain state change as seen by external consumers.
type Transition struct {
	DomainID string    `json:"domain_id"`
	TeamID   string    `json:"team_id"`
	Hostname string    `json:"hostname"`
	Field    string    `json:"field"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// FromModel converts a persisted transition
func FromModel(t models.DomainTransition) Transition {
	return Transition{
		DomainID: t.DomainID.String(),
		TeamID:   t.TeamID,
		Hostname: t.Hostname,
		Field:    t.Field,
		From:     t.From,
		To:       t.To,
		Reason:   t.Reason,
		At:       t.CreatedAt,
	}
}

// Sink receives transitions. Implementations must not block for long.
type Sink interface {
	Publish(ctx context.Context, t Transition) error
}

// Dispatcher fans transitions out to every configured sink.
type Dispatcher struct {
	sinks []namedSink
}

type namedSink struct {
	name string
	sink Sink
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Add registers a sink under name, used in logs and metrics
func (d *Dispatcher) Add(name string, sink Sink) {
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
}

// Emit publishes persisted transitions to all sinks. Sink failures are logged
// and counted, never returned: the registry row is already the source of truth.
func (d *Dispatcher) Emit(ctx context.Context, transitions []models.DomainTransition) {
	for _, mt := range transitions {
		t := FromModel(mt)
		metrics.TransitionsTotal.WithLabelValues(t.Field, t.To).Inc()

		log.Info().
			Str("domain_id", t.DomainID).
			Str("hostname", t.Hostname).
			Str("team_id", t.TeamID).
			Str("field", t.Field).
			Str("from", t.From).
			Str("to", t.To).
			Str("reason", t.Reason).
			Msg("Domain transition")

		for _, s := range d.sinks {
			if err := s.sink.Publish(ctx, t); err != nil {
				metrics.EventsDropped.WithLabelValues(s.name).Inc()
				log.Warn().Err(err).Str("sink", s.name).Str("domain_id", t.DomainID).Msg("Failed to publish transition")
			}
		}
	}
}

// Broadcaster delivers transitions to in-process subscribers such as the
// server-sent events stream. Slow subscribers lose events rather than block.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Transition
	nextID int
}

// NewBroadcaster creates a broadcaster with no subscribers
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Transition)}
}

// Subscribe returns a channel of transitions and a function that ends the subscription
func (b *Broadcaster) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Sink
func (b *Broadcaster) Publish(_ context.Context, t Transition) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
			metrics.EventsDropped.WithLabelValues("broadcast").Inc()
		}
	}
	return nil
}
