package hub

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ontocollab/internal/jsonx"
)

// Relay publishes committed events to NATS so other server instances (and
// audit consumers) can observe the stream. Publishing is asynchronous and
// best-effort: the commit path enqueues and moves on, a full queue drops
// the event with a log line.
type Relay struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
	events        chan Event
}

// RelayConfig configures the relay.
type RelayConfig struct {
	SubjectPrefix string
	BufferSize    int
}

// DefaultRelayConfig publishes to ontology.events.{ontologyID}.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SubjectPrefix: "ontology.events",
		BufferSize:    1024,
	}
}

// NewRelay creates a relay on an existing NATS connection.
func NewRelay(conn *nats.Conn, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultRelayConfig().SubjectPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultRelayConfig().BufferSize
	}
	return &Relay{
		conn:          conn,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger,
		events:        make(chan Event, cfg.BufferSize),
	}
}

// Start runs the publish worker until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.events:
				r.publish(ev)
			}
		}
	}()
}

// Publish enqueues an event for asynchronous publishing. Never blocks.
func (r *Relay) Publish(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("relay queue full, event dropped",
			zap.String("ontology_id", ev.OntologyID),
			zap.Uint64("seq", ev.Seq))
	}
}

func (r *Relay) publish(ev Event) {
	data, err := jsonx.Marshal(ev)
	if err != nil {
		r.logger.Error("relay marshal failed", zap.Error(err))
		return
	}
	subject := r.subjectPrefix + "." + ev.OntologyID
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Warn("relay publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
