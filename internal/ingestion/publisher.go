package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"DonationLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Outbound subjects and topics.
const (
	OutboundStream          = "DONATIONS_LEDGER_EVENTS"
	EventSubjectPrefix      = "donations.ledger.events"
	TransferRequestSubject  = "donations.transfers.requested"
	DefaultKafkaEventsTopic = "donation_ledger_events"
)

// PublishableEvent is a processed call ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64              `json:"sequence"`
	CallType       string             `json:"call_type"`
	IdempotencyKey string             `json:"idempotency_key"`
	Caller         string             `json:"caller,omitempty"`
	Payload        json.RawMessage    `json:"payload"`
	Entry          *PublishedEntry    `json:"entry,omitempty"`
	Transfer       *PublishedTransfer `json:"transfer,omitempty"`
	Balance        string             `json:"balance"`
	StateHash      string             `json:"state_hash"` // hex
	Timestamp      time.Time          `json:"timestamp"`
}

// PublishedEntry is the history entry appended by the call.
type PublishedEntry struct {
	Position int    `json:"position"`
	Actor    string `json:"actor"`
	Kind     string `json:"kind"`
	Amount   string `json:"amount"`
}

// PublishedTransfer is the transfer created or resolved by the call.
type PublishedTransfer struct {
	TransferID  string `json:"transfer_id"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// Sink is one outbound destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, evt PublishableEvent) error
	Close() error
}

// OutboundPublisher fans processed calls out to every configured sink.
// Publishing is non-fatal: downstream consumers can read the event log
// directly.
type OutboundPublisher struct {
	inputChan <-chan PublishableEvent
	sinks     []Sink
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(
	inputChan <-chan PublishableEvent,
	sinks []Sink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop and closes the sinks on return.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	defer op.closeSinks()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			op.Publish(ctx, evt)
		}
	}
}

// Publish sends evt to every sink, logging failures.
func (op *OutboundPublisher) Publish(ctx context.Context, evt PublishableEvent) {
	for _, s := range op.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			op.logger.Warn().Err(err).Str("sink", s.Name()).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			if op.metrics != nil {
				op.metrics.PublishErrors.WithLabelValues(s.Name()).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) closeSinks() {
	for _, s := range op.sinks {
		if err := s.Close(); err != nil {
			op.logger.Warn().Err(err).Str("sink", s.Name()).Msg("close sink")
		}
	}
}

// --- NATS ---

// JetStreamPublisher is the subset of jetstream.JetStream used by NATSSink.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink publishes audit events to donations.ledger.events.{call_type}
// and pending transfers to donations.transfers.requested.
type NATSSink struct {
	js JetStreamPublisher
}

func NewNATSSink(js JetStreamPublisher) *NATSSink {
	return &NATSSink{js: js}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Msg-Id lets JetStream drop republished duplicates after a restart.
	msgID := strconv.FormatInt(evt.Sequence, 10)
	if _, err := s.js.Publish(ctx, EventSubject(evt.CallType), data, jetstream.WithMsgID("evt-"+msgID)); err != nil {
		return err
	}

	if evt.Transfer != nil && evt.Transfer.Status == "pending" {
		req, err := json.Marshal(evt.Transfer)
		if err != nil {
			return fmt.Errorf("marshal transfer: %w", err)
		}
		if _, err := s.js.Publish(ctx, TransferRequestSubject, req, jetstream.WithMsgID("xfer-"+evt.Transfer.TransferID)); err != nil {
			return fmt.Errorf("publish transfer request: %w", err)
		}
	}
	return nil
}

func (s *NATSSink) Close() error { return nil }

// EventSubject returns the audit subject for a call type.
func EventSubject(callType string) string {
	return fmt.Sprintf("%s.%s", EventSubjectPrefix, callType)
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{EventSubjectPrefix + ".>", TransferRequestSubject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}

// --- Kafka ---

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors audit events to a Kafka topic, keyed by call type so
// each type keeps its order within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink builds a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultKafkaEventsTopic
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.CallType),
		Value: data,
		Time:  evt.Timestamp,
		Headers: []kafka.Header{
			{Key: "sequence", Value: []byte(strconv.FormatInt(evt.Sequence, 10))},
		},
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
