package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"geoTransform/api/accounting"
)

type RecordHandler func(ctx context.Context, rec accounting.Record) error

// Consumer reads accounting records published by the API.
type Consumer struct {
	group  sarama.ConsumerGroup
	logger *zap.Logger
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	g, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{group: g, logger: logger}, nil
}

type consumerHandler struct {
	fn     RecordHandler
	ctx    context.Context
	logger *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var rec accounting.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			h.logger.Warn("Skipping malformed accounting record",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			session.MarkMessage(msg, "")
			continue
		}
		if err := h.fn(h.ctx, rec); err != nil {
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// Consume blocks, rejoining the group after every rebalance, until ctx
// ends or the handler fails.
func (c *Consumer) Consume(ctx context.Context, topic string, handler RecordHandler) error {
	h := &consumerHandler{fn: handler, ctx: ctx, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}
