package broadcast

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
	"github.com/vitaliisemenov/pixelcanvas/internal/domain/codec"
)

// Channel is the cross-process pub/sub channel every server replica
// publishes draws to and subscribes from.
const Channel = "draw-message-bus"

// Publisher publishes DrawEvents onto the external channel. Publication is
// fire-and-forget: no acknowledgement of delivery to any subscriber.
type Publisher struct {
	client *redis.Client
}

// NewPublisher wraps an existing Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish encodes e and publishes it to Channel.
func (p *Publisher) Publish(ctx context.Context, e domain.DrawEvent) error {
	payload := codec.EncodeDrawEvent(e)
	if err := p.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return domain.Fatal("failed to publish draw event", err)
	}
	return nil
}

// RunBridge subscribes to Channel and republishes every decodable message
// onto bus, until ctx is cancelled or the subscription itself fails. It is
// meant to run as the single long-lived bridge task spawned at process
// start (one per replica); a subscribe/connection failure is fatal to this
// task and is returned so the caller can decide whether to restart it.
//
// A single message that fails to decode is logged and skipped; it does not
// end the task.
func RunBridge(ctx context.Context, client *redis.Client, bus *Bus, metrics *Metrics, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	pubsub := client.Subscribe(ctx, Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return domain.Fatal("failed to subscribe to draw-message-bus", err)
	}

	ch := pubsub.Channel()
	logger.Info("broadcast bridge subscribed", "channel", Channel)

	for {
		select {
		case <-ctx.Done():
			logger.Info("broadcast bridge shutting down", "channel", Channel)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return domain.Fatal("draw-message-bus subscription closed", nil)
			}
			event, err := codec.DecodeDrawEvent([]byte(msg.Payload))
			if err != nil {
				metrics.BridgeDecodeError.Inc()
				logger.Warn("failed to decode draw event from bridge", "error", err)
				continue
			}
			bus.Publish(event)
		}
	}
}
