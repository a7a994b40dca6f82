package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/metrics"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/model"
)

// NATSNotifier publishes canonical transaction events to NATS JetStream so
// downstream consumers (ledgers, dashboards) receive the same stream the
// human channel does.
type NATSNotifier struct {
	logger  *zap.Logger
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	service string
}

// NewNATS creates a NATS notifier publishing to subject.
func NewNATS(logger *zap.Logger, nc *nats.Conn, subject, service string) (*NATSNotifier, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &NATSNotifier{
		logger:  logger,
		nc:      nc,
		js:      js,
		subject: subject,
		service: service,
	}, nil
}

// Notify publishes a transaction.detected envelope.
func (n *NATSNotifier) Notify(ctx context.Context, tx model.Transaction) error {
	evt := model.TransactionEvent{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		EventType:     "transaction.detected",
		Account:       tx.AccountNumber,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Transaction:   tx,
	}
	return n.publish(evt.EventType, n.subject, evt)
}

// Alert publishes an operational alert envelope.
func (n *NATSNotifier) Alert(ctx context.Context, evt model.AlertEvent) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return n.publish("monitor."+evt.Kind, "evt.monitor."+evt.Kind+".v1.BIDV", evt)
}

func (n *NATSNotifier) publish(eventType, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.NotifyTotal.WithLabelValues("nats", "error").Inc()
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":   []string{eventType},
			"service":      []string{n.service},
			"content_type": []string{"application/json"},
		},
	}

	if _, err := n.js.PublishMsg(msg); err != nil {
		n.logger.Warn("nats.publish_failed",
			zap.String("subject", subject),
			zap.Error(err))
		metrics.NotifyTotal.WithLabelValues("nats", "error").Inc()
		return err
	}

	n.logger.Debug("nats.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", eventType))
	metrics.NotifyTotal.WithLabelValues("nats", "ok").Inc()
	return nil
}

// Close drains the underlying connection.
func (n *NATSNotifier) Close() {
	if n.nc != nil && n.nc.IsConnected() {
		n.nc.Close()
	}
}
