package gateway

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawproxy/internal/metrics"
	"github.com/openclaw/clawproxy/pkg/eventbus"
)

// EventMessage is the wire frame delivered to websocket subscribers
type EventMessage struct {
	Type      string        `json:"type"`
	RunID     string        `json:"run_id"`
	Kind      eventbus.Kind `json:"kind"`
	ElapsedMS int64         `json:"elapsed_ms"`
	Payload   string        `json:"payload,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Bridge pumps bus events out to every connected websocket client
type Bridge struct {
	registry *Registry
	sub      *eventbus.Subscription
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	done     chan struct{}
}

// NewBridge subscribes to the bus and starts forwarding
func NewBridge(bus *eventbus.Bus, registry *Registry, m *metrics.Metrics, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		registry: registry,
		sub:      bus.Subscribe(),
		metrics:  m,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bridge) loop() {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.sub.Events():
			if !ok {
				return
			}
			b.forward(ev)
		}
	}
}

func (b *Bridge) forward(ev eventbus.Event) {
	frame, err := json.Marshal(EventMessage{
		Type:      "event",
		RunID:     ev.RunID,
		Kind:      ev.Kind,
		ElapsedMS: ev.Elapsed.Milliseconds(),
		Payload:   ev.Payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal event frame")
		return
	}

	for _, client := range b.registry.All() {
		if !client.enqueue(frame) {
			if b.metrics != nil {
				b.metrics.EventsDroppedTotal.Inc()
			}
			b.logger.Debug().
				Str("client_id", client.ID).
				Str("run_id", ev.RunID).
				Msg("Dropped frame for slow client")
		}
	}
}

// Close stops forwarding and releases the bus subscription
func (b *Bridge) Close() {
	close(b.done)
	b.sub.Close()
}
