package event

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

/*
Balancer: kafka.Hash keeps every event of one table on one partition,
so inspectors see a table's updates in the order they were tallied.

RequiredAcks: kafka.RequireAll waits for every in-sync replica. An
event acknowledged to the tallying side is not lost if the leader
fails right after.

Compression: events are JSON and compress well with Snappy.
*/
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  5,
		Compression:  kafka.Snappy,
	}

	return &KafkaPublisher{writer: w}, nil
}

func (kp *KafkaPublisher) PublishEvent(ctx context.Context, ev model.VoteEvent) error {
	vb, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   messageKey(ev),
		Value: vb,
	}

	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

func (kp *KafkaPublisher) Close() error {
	if err := kp.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
