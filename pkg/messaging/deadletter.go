package messaging

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
)

// DeadLetter is an inbound message that could not be applied.
type DeadLetter struct {
	Topic     string          `json:"topic"`
	Partition int             `json:"partition"`
	Offset    int64           `json:"offset"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	FailedAt  time.Time       `json:"failedAt"`
}

func NewDeadLetter(msg kafka.Message, err error, attempts int) DeadLetter {
	payload := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		// keep the record itself valid JSON
		quoted, _ := json.Marshal(string(msg.Value))
		payload = quoted
	}
	return DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Payload:   payload,
		Error:     err.Error(),
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	}
}

type DeadLetterSink interface {
	Name() string
	Write(ctx context.Context, d DeadLetter) error
}

// MessageWriter is the part of *kafka.Writer the dead-letter topic uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TopicDeadLetter republishes failed messages to a dead-letter topic.
type TopicDeadLetter struct {
	writer MessageWriter
}

func NewTopicWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewTopicDeadLetter(w MessageWriter) *TopicDeadLetter {
	return &TopicDeadLetter{writer: w}
}

func (*TopicDeadLetter) Name() string { return "kafka" }

func (t *TopicDeadLetter) Write(ctx context.Context, d DeadLetter) error {
	value, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode dead letter")
	}
	return t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "error", Value: []byte(d.Error)},
			{Key: "source-offset", Value: []byte(strconv.FormatInt(d.Offset, 10))},
		},
	})
}

func (t *TopicDeadLetter) Close() error { return t.writer.Close() }

// FileDeadLetter appends one JSON record per line.
type FileDeadLetter struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileDeadLetter(path string) (*FileDeadLetter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open dead-letter file %s", path)
	}
	return &FileDeadLetter{f: f}, nil
}

func (*FileDeadLetter) Name() string { return "file" }

func (w *FileDeadLetter) Write(_ context.Context, d DeadLetter) error {
	line, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode dead letter")
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(line); err != nil {
		return errors.Wrap(err, "append dead letter")
	}
	return w.f.Sync()
}

func (w *FileDeadLetter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
