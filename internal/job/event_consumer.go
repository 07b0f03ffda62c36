package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"affiliateledger/internal/service"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// EventConsumer feeds qualifying events from Kafka into the commission
// calculator. Offsets are marked only after the event is recorded, so a
// crash replays it and the idempotency key absorbs the duplicate.
type EventConsumer struct {
	group       sarama.ConsumerGroup
	topic       string
	commissions *service.CommissionService
	retryDelay  time.Duration
}

func NewEventConsumer(group sarama.ConsumerGroup, topic string, commissions *service.CommissionService) *EventConsumer {
	return &EventConsumer{
		group:       group,
		topic:       topic,
		commissions: commissions,
		retryDelay:  time.Second,
	}
}

// Run consumes until ctx is cancelled, rejoining the group after every
// rebalance or session error.
func (c *EventConsumer) Run(ctx context.Context) {
	zap.L().Info("event consumer started", zap.String("topic", c.topic))

	go func() {
		for err := range c.group.Errors() {
			zap.L().Error("kafka consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				zap.L().Info("event consumer closed")
				return
			}
			zap.L().Error("kafka consume session ended", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.retryDelay):
			}
		}
		if ctx.Err() != nil {
			zap.L().Info("event consumer exiting")
			return
		}
	}
}

func (c *EventConsumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *EventConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim stops the session on a transient failure without marking the
// message, so it is redelivered once the group rejoins.
func (c *EventConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handleMessage(session.Context(), msg); err != nil {
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage returns an error only for failures worth retrying.
// Malformed or rejected events are logged and skipped.
func (c *EventConsumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev service.QualifyingEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		zap.L().Error("skip undecodable qualifying event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if ev.IdempotencyKey == "" && len(msg.Key) > 0 {
		ev.IdempotencyKey = string(msg.Key)
	}

	entries, err := c.commissions.OnQualifyingEvent(ctx, &ev)
	switch {
	case err == nil:
		zap.L().Debug("qualifying event consumed",
			zap.String("idempotency_key", ev.IdempotencyKey),
			zap.Int("entries", len(entries)),
			zap.Int64("offset", msg.Offset))
		return nil
	case errors.Is(err, service.ErrInvalidEvent):
		zap.L().Warn("skip invalid qualifying event",
			zap.String("idempotency_key", ev.IdempotencyKey),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	default:
		return fmt.Errorf("record qualifying event %s: %w", ev.IdempotencyKey, err)
	}
}
