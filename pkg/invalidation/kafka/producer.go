package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Producer publishes change events keyed by target id so events for one
// layer stay ordered within a partition.
type Producer struct {
	topic string
	prod  sarama.SyncProducer
}

func NewProducer(cfg InvalidationConfig) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 3

	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("invalidation producer: %w", err)
	}
	return NewProducerWith(prod, cfg.Topic), nil
}

func NewProducerWith(prod sarama.SyncProducer, topic string) *Producer {
	return &Producer{topic: topic, prod: prod}
}

func (p *Producer) Publish(_ context.Context, ev ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.Version == 0 {
		ev.Version = uint64(ev.TS.UnixNano())
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	_, _, err = p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.dedupeKey()),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("publish change event for %s: %w", ev.ID, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.prod.Close()
}
