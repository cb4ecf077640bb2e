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

var _ pipeline.RunStarter = (*Dispatcher)(nil)

// Dispatcher publishes run deliveries to per-lane Kafka topics. The run
// identity is the partition key, so every delivery of one run hashes to the
// same partition and is processed in order.
type Dispatcher struct {
	producer sarama.SyncProducer
	cfg      *Config

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics DispatchMetrics
}

// NewDispatcher creates a Dispatcher on top of an established Kafka client.
func NewDispatcher(
	client sarama.Client,
	cfg *Config,
	logger *logger.Logger,
	metrics DispatchMetrics,
	tracer trace.Tracer,
) (*Dispatcher, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	return &Dispatcher{
		producer: producer,
		cfg:      cfg,
		logger:   logger.With("component", "kafka_dispatcher"),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// StartRun dispatches a run delivery onto its lane's topic. The input bytes
// are the captured original request and are sent verbatim.
func (d *Dispatcher) StartRun(ctx context.Context, id string, lane pipeline.Lane, input []byte) error {
	topic := d.cfg.TopicForLane(lane.String())

	ctx, span := tracing.StartProducerSpan(ctx, topic, d.tracer)
	defer span.End()
	span.SetAttributes(attribute.String("run_id", id))

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(id),
		Value: sarama.ByteEncoder(input),
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := d.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		if d.metrics != nil {
			d.metrics.IncDispatchError(ctx, topic)
		}
		return fmt.Errorf("dispatching run %s to topic %s: %w", id, topic, err)
	}

	if d.metrics != nil {
		d.metrics.IncRunDispatched(ctx, topic)
	}
	d.logger.Info(ctx, "Dispatched run",
		"run_id", id,
		"lane", lane.String(),
		"topic", topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close shuts down the underlying producer.
func (d *Dispatcher) Close() error { return d.producer.Close() }
