// Package kafka mirrors readings onto a Kafka topic. The MQTT topic is used
// as the message key so readings from one source stay ordered within a
// partition.
package kafka

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
)

type Sink struct {
	producer sarama.SyncProducer
	cfg      Config
}

func (s *Sink) Connect(_ context.Context, config map[string]any) error {
	if err := sink.Decode(config, &s.cfg); err != nil {
		return err
	}
	if len(s.cfg.Brokers) == 0 {
		s.cfg.Brokers = []string{"localhost:9092"}
	}
	s.cfg.Topic = cmp.Or(s.cfg.Topic, "furnace.readings")
	s.cfg.ClientID = cmp.Or(s.cfg.ClientID, "furnace")

	conf, err := s.cfg.ToSaramaConfig()
	if err != nil {
		return fmt.Errorf("failed to create sarama config: %w", err)
	}
	return s.connect(conf)
}

func (s *Sink) connect(conf *sarama.Config) error {
	producer, err := sarama.NewSyncProducer(s.cfg.Brokers, conf)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	s.producer = producer
	return nil
}

func (s *Sink) Write(_ context.Context, r telemetry.Reading) error {
	if s.producer == nil {
		return sink.ErrNotConnected
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.cfg.Topic,
		Key:   sarama.StringEncoder(r.Topic),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("timestamp"), Value: []byte(strconv.FormatInt(r.Timestamp, 10))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func init() {
	sink.Register(sink.ConnectorKafka, func() sink.Sink { return &Sink{} })
}
