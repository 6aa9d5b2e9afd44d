package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// msgPublisher is satisfied by nats.JetStreamContext.
type msgPublisher interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// coreConn publishes on a plain NATS connection when no stream is configured.
type coreConn struct{ nc *nats.Conn }

func (c coreConn) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if err := c.nc.PublishMsg(msg); err != nil {
		return nil, err
	}
	return &nats.PubAck{}, nil
}

// Publisher emits catalog lifecycle events. It implements catalog.Listener.
type Publisher struct {
	nc      *nats.Conn
	js      msgPublisher
	prefix  string
	service string
	logger  *zap.Logger
}

// New creates a Publisher. With jetStream set, events go through JetStream and must land
// in a stream covering prefix.>.
func New(nc *nats.Conn, prefix, service string, jetStream bool, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var target msgPublisher = coreConn{nc: nc}
	if jetStream {
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("jetstream context: %w", err)
		}
		target = js
	}
	if prefix == "" {
		prefix = "evt"
	}
	return &Publisher{nc: nc, js: target, prefix: prefix, service: service, logger: logger}, nil
}

// Subject returns the subject an event type is published on, e.g. evt.catalog.published.v1.
func (p *Publisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s.v1", p.prefix, eventType)
}

func (p *Publisher) OnPublished(ctx context.Context, ev model.CatalogEvent, _ []model.Instrument) error {
	return p.PublishEvent(ctx, ev)
}

func (p *Publisher) OnPurged(ctx context.Context, ev model.CatalogEvent) error {
	return p.PublishEvent(ctx, ev)
}

// PublishEvent serializes ev and publishes it with identifying headers.
func (p *Publisher) PublishEvent(_ context.Context, ev model.CatalogEvent) error {
	subject := p.Subject(ev.Type)
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("publisher.marshal_failed", zap.String("event_type", ev.Type), zap.Error(err))
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":   []string{ev.Type},
			"event_id":     []string{ev.EventID.String()},
			"build_id":     []string{ev.BuildID},
			"service":      []string{p.service},
			"content_type": []string{"application/json"},
		},
	}
	// JetStream drops duplicates carrying the same message id within its window.
	msg.Header.Set(nats.MsgIdHdr, ev.EventID.String())

	start := time.Now()
	_, err = p.js.PublishMsg(msg)
	metrics.ObserveDuration(metrics.EventPublishLatency, start, ev.Type)
	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", ev.Type),
			zap.String("build_id", ev.BuildID),
			zap.Error(err))
		metrics.IncEvent(ev.Type, "error")
		return err
	}

	p.logger.Info("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", ev.Type),
		zap.String("build_id", ev.BuildID),
		zap.Int("rows", ev.Rows))
	metrics.IncEvent(ev.Type, "ok")
	return nil
}

// Close drains the underlying connection.
func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("nats.drain_failed", zap.Error(err))
		}
	}
}
