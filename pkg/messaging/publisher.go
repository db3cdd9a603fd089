package messaging

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/exchange"
)

// Publisher sends completion events to the event topic, keyed by
// instrument so one instrument's events stay in order on one partition.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return p, nil
}

func NewPublisher(producer sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

func (*Publisher) Name() string { return "kafka" }

func (p *Publisher) Deliver(_ context.Context, ev exchange.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.InstrumentID, 10)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(ev.EventID.String())},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return errors.Wrapf(err, "publish event %s", ev.EventID)
	}
	return nil
}

func (p *Publisher) Close() error { return p.producer.Close() }
