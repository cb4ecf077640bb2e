package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/dispatch/kafka/tracing"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// Executor handles one run delivery. The pipeline controller satisfies this.
type Executor interface {
	Execute(ctx context.Context, runID string, input []byte) error
}

// Consumer pulls run deliveries off lane topics and hands each one to the
// executor. Offsets are committed only after the executor returns nil, so a
// worker crash or a returned error leaves the delivery uncommitted and the
// broker redelivers it.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	executor      Executor

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics DispatchMetrics
}

// NewConsumer creates a consumer for the given lanes on top of an
// established Kafka client.
func NewConsumer(
	client sarama.Client,
	cfg *Config,
	lanes []pipeline.Lane,
	executor Executor,
	logger *logger.Logger,
	metrics DispatchMetrics,
	tracer trace.Tracer,
) (*Consumer, error) {
	if len(lanes) == 0 {
		return nil, fmt.Errorf("consumer requires at least one lane")
	}

	consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	topics := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		topics = append(topics, cfg.TopicForLane(lane.String()))
	}

	return &Consumer{
		consumerGroup: consumerGroup,
		topics:        topics,
		executor:      executor,
		logger:        logger.With("component", "kafka_consumer"),
		tracer:        tracer,
		metrics:       metrics,
	}, nil
}

// Run consumes deliveries until the context is cancelled. Consume returns on
// every rebalance, so it loops.
func (c *Consumer) Run(ctx context.Context) error {
	handler := &runDeliveryHandler{
		executor: c.executor,
		logger:   c.logger,
		tracer:   c.tracer,
		metrics:  c.metrics,
	}

	c.logger.Info(ctx, "Consuming run deliveries", "topics", c.topics)
	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
			c.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close shuts down the consumer group.
func (c *Consumer) Close() error { return c.consumerGroup.Close() }

// runDeliveryHandler implements sarama.ConsumerGroupHandler, converting Kafka
// messages into controller executions.
type runDeliveryHandler struct {
	executor Executor

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics DispatchMetrics
}

func (h *runDeliveryHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *runDeliveryHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes deliveries from an assigned partition. A failed
// execution aborts the claim without marking the message, which parks the
// offset and makes the broker redeliver the run on the next session.
func (h *runDeliveryHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for msg := range claim.Messages() {
		msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
		msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)

		runID := string(msg.Key)
		span.SetAttributes(attribute.String("run_id", runID))

		if h.metrics != nil {
			h.metrics.IncRunReceived(msgCtx, msg.Topic)
		}
		h.logger.Info(msgCtx, "Received run delivery",
			"run_id", runID,
			"topic", msg.Topic,
			"partition", claim.Partition(),
			"offset", msg.Offset,
		)

		if err := h.executor.Execute(msgCtx, runID, msg.Value); err != nil {
			if h.metrics != nil {
				h.metrics.IncDeliveryError(msgCtx, msg.Topic)
			}
			h.logger.Error(msgCtx, "Run delivery failed, leaving uncommitted",
				"run_id", runID,
				"error", err,
			)
			span.RecordError(err)
			span.End()
			return fmt.Errorf("handling run %s: %w", runID, err)
		}

		sess.MarkMessage(msg, "")
		sess.Commit()
		span.End()
	}
	return nil
}
