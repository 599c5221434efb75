// Package ingest publishes high-frequency driver location pings onto
// the ingest topic. The location daemon consumes them and feeds the
// geo index and the honeycomb grid.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

// Producer is the write side of the location pipeline.
type Producer interface {
	PublishLocation(ctx context.Context, ping models.LocationPing) error
	Close() error
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishLocation keys by driver id so one driver's pings stay ordered
// within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, ping models.LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ping)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ping.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
