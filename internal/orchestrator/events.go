package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// EventType labels a workflow progress event.
type EventType string

const (
	EventStatus         EventType = "status"
	EventOpinion        EventType = "agent_opinion"
	EventDecision       EventType = "aggregated_decision"
	EventRiskAssessment EventType = "risk_assessment"
	EventFinal          EventType = "final_recommendations"
	EventError          EventType = "error"
)

// Status values carried by EventStatus events.
const (
	StatusAnalyzing   = "analyzing"
	StatusLoadingData = "loading_data"
	StatusDiscussing  = "agents_discussing"
	StatusAggregating = "aggregating"
	StatusRisk        = "risk_assessment"
	StatusFinalizing  = "finalizing"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// Event is one progress notification emitted while a turn runs.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives workflow events in production order. Implementations
// must not block for long; failures are theirs to log.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) {}

// MultiSink fans every event out to each sink in order.
type MultiSink []EventSink

// Emit forwards ev to every non-nil sink.
func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Recorder is an in-memory sink, handy for the CLI transcript and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends ev.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// NATSConfig configures the event publisher.
type NATSConfig struct {
	URL    string
	Prefix string // Subject prefix (default: "moexadvisor.events.")
}

// DefaultNATSConfig returns default configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:    nats.DefaultURL,
		Prefix: "moexadvisor.events.",
	}
}

// NATSPublisher publishes workflow events as JSON on
// <prefix><session>.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("moexadvisor-workflow"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultNATSConfig().Prefix
	}
	if !strings.HasSuffix(cfg.Prefix, ".") {
		cfg.Prefix += "."
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.Prefix).
		Msg("Event publisher initialized")

	return &NATSPublisher{nc: nc, prefix: cfg.Prefix}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	session := ev.SessionID
	if session == "" {
		session = "default"
	}
	// NATS tokens cannot contain dots or whitespace.
	session = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(session)
	return fmt.Sprintf("%s%s.%s", p.prefix, session, ev.Type)
}

// Publish sends ev and returns any failure.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !p.nc.IsConnected() {
		return fmt.Errorf("event publisher not connected")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("type", string(ev.Type)).
		Msg("Published workflow event")
	return nil
}

// Emit publishes ev, logging failures.
func (p *NATSPublisher) Emit(ctx context.Context, ev Event) {
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish workflow event")
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
