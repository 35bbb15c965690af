package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, topic, groupID string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	rCfg := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,    // vote events are small and latency matters
		MaxBytes: 10e6, // 10mb
		MaxWait:  500 * time.Millisecond,
		// Inspectors only care about data produced while they watch, so a new
		// group starts at the end of the topic.
		StartOffset: kafka.LastOffset,
	}
	r := kafka.NewReader(rCfg)

	return &KafkaConsumer{reader: r}, nil
}

func (kc *KafkaConsumer) ReadEvent(ctx context.Context) (model.VoteEvent, error) {
	// Blocks until a message arrives or ctx is cancelled.
	msg, err := kc.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return model.VoteEvent{}, err
		}
		return model.VoteEvent{}, fmt.Errorf("error reading message from kafka: %w", err)
	}

	ev, err := decodeEvent(msg.Value)
	if err != nil {
		log.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Skipping undecodable vote event")
		return model.VoteEvent{}, err
	}
	return ev, nil
}

func (kc *KafkaConsumer) Close() error {
	if err := kc.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
