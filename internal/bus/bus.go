// Package bus carries message references between gateway instances. A send
// publishes the tuple {messageId, conversationId, senderId}; every instance,
// the publishing one included, consumes it and re-reads the full row before
// broadcasting. Payloads on the wire stay small and the store stays the
// single source of truth.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulsechat/pulse/internal/logger"
	"github.com/pulsechat/pulse/internal/metrics"
)

// MessagesSubject is the one subject Pulse publishes on.
const MessagesSubject = "chat:messages"

const reconnectWait = 2 * time.Second

// MessageRef points at a persisted message. Consumers re-read the row, so a
// ref for a message that lost its transaction is simply dropped.
type MessageRef struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// Validate rejects refs that could never resolve to a row.
func (r MessageRef) Validate() error {
	if r.MessageID == "" {
		return fmt.Errorf("message ref has no messageId")
	}
	if r.ConversationID == "" {
		return fmt.Errorf("message ref has no conversationId")
	}
	if r.SenderID == "" {
		return fmt.Errorf("message ref has no senderId")
	}
	return nil
}

// Bus is a thin wrapper over a NATS connection scoped to the message subject.
type Bus struct {
	nc           *nats.Conn
	subscription *nats.Subscription
	logger       *logger.Logger
}

// Connect dials NATS with unlimited reconnects so a broker restart degrades
// live fan-out instead of killing the service.
func Connect(url string, log *logger.Logger) (*Bus, error) {
	busLogger := log.WithComponent("bus")

	nc, err := nats.Connect(url,
		nats.Name("pulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			busLogger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busLogger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	busLogger.Info("connected to nats", slog.String("url", nc.ConnectedUrl()))
	return &Bus{nc: nc, logger: busLogger}, nil
}

// PublishMessage fans a reference out to every instance.
func (b *Bus) PublishMessage(ref MessageRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to encode message ref: %w", err)
	}

	if err := b.nc.Publish(MessagesSubject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", MessagesSubject, err)
	}

	metrics.BusPublished.Inc()
	return nil
}

// SubscribeMessages registers the fan-out handler. Malformed payloads are
// logged and dropped; the handler runs on the subscription's dispatch
// goroutine, so it must not block.
func (b *Bus) SubscribeMessages(handler func(ref MessageRef)) error {
	sub, err := b.nc.Subscribe(MessagesSubject, func(msg *nats.Msg) {
		ref, err := decodeMessageRef(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed bus payload", slog.Any("error", err))
			return
		}
		metrics.BusConsumed.Inc()
		handler(ref)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", MessagesSubject, err)
	}

	b.subscription = sub
	b.logger.Info("subscribed to message subject", slog.String("subject", MessagesSubject))
	return nil
}

// IsConnected reports broker reachability for health checks.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains the subscription and the connection so buffered publishes
// flush before the socket drops.
func (b *Bus) Close() {
	if b.subscription != nil {
		if err := b.subscription.Drain(); err != nil {
			b.logger.Warn("failed to drain subscription", slog.Any("error", err))
		}
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.logger.Warn("failed to drain nats connection", slog.Any("error", err))
			b.nc.Close()
		}
	}
}

func decodeMessageRef(data []byte) (MessageRef, error) {
	var ref MessageRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return MessageRef{}, fmt.Errorf("failed to decode message ref: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return MessageRef{}, err
	}
	return ref, nil
}
