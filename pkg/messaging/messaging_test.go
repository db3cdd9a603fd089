package messaging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/stockmatch/params"
	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/app/exchange"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// scriptedHandler fails with the queued errors, then succeeds.
type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (h *scriptedHandler) Submit(context.Context, []byte) (*exchange.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return &exchange.Result{}, nil
	}
	err := h.errs[0]
	if len(h.errs) > 1 {
		h.errs = h.errs[1:]
	}
	return nil, err
}

type memDeadLetter struct {
	letters []DeadLetter
	err     error
}

func (*memDeadLetter) Name() string { return "mem" }

func (m *memDeadLetter) Write(_ context.Context, d DeadLetter) error {
	if m.err != nil {
		return m.err
	}
	m.letters = append(m.letters, d)
	return nil
}

func zero() backoff.BackOff { return &backoff.ZeroBackOff{} }

var payload = []byte(`{"type":"cancel","data":{"orderId":9}}`)

func TestHandleDecisions(t *testing.T) {
	transient := errors.Wrap(core.ErrLockTimeout, "lock order 9")
	rejected := errors.Wrap(core.ErrOrderClosed, "cancel order 9")

	tests := []struct {
		name     string
		policy   string
		errs     []error
		decision string
		calls    int
		letters  int
	}{
		{"applied first try", params.PolicyRetry, nil, DecisionApplied, 1, 0},
		{"transient then applied", params.PolicyRetry, []error{transient, transient, nil}, DecisionApplied, 3, 0},
		{"transient exhausted", params.PolicyRetry, []error{transient}, DecisionDeadLettered, 4, 1},
		{"rejection not retried", params.PolicyRetry, []error{rejected}, DecisionDeadLettered, 1, 1},
		{"deadletter policy", params.PolicyDeadLetter, []error{transient}, DecisionDeadLettered, 1, 1},
		{"drop policy", params.PolicyDrop, []error{transient}, DecisionDropped, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &scriptedHandler{errs: tt.errs}
			dl := &memDeadLetter{}
			c := NewConsumer(&fakeReader{}, h, ConsumerOptions{
				Policy:      tt.policy,
				MaxAttempts: 4,
				NewBackOff:  zero,
				DeadLetter:  dl,
			})

			decision, err := c.handle(context.Background(), kafka.Message{Topic: "order.created", Offset: 12, Value: payload})
			require.NoError(t, err)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.calls, h.calls)
			require.Len(t, dl.letters, tt.letters)
			if tt.letters > 0 {
				assert.Equal(t, int64(12), dl.letters[0].Offset)
				assert.Equal(t, tt.calls, dl.letters[0].Attempts)
				assert.JSONEq(t, string(payload), string(dl.letters[0].Payload))
				assert.NotEmpty(t, dl.letters[0].Error)
			}
		})
	}
}

func TestRunCommitsEveryDecision(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: payload},
		{Offset: 2, Value: []byte(`{"type":"bogus"}`)},
		{Offset: 3, Value: payload},
	}}
	h := &scriptedHandler{errs: []error{nil, errors.Wrap(core.ErrUnsupportedAction, "bogus"), nil}}
	c := NewConsumer(r, h, ConsumerOptions{Policy: params.PolicyDrop, NewBackOff: zero})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3}, r.commits())
}

func TestRunStopsWhenDeadLetterFails(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 5, Value: payload}}}
	h := &scriptedHandler{errs: []error{core.ErrOrderNotFound}}
	dl := &memDeadLetter{err: errors.New("disk full")}
	c := NewConsumer(r, h, ConsumerOptions{Policy: params.PolicyDeadLetter, DeadLetter: dl})

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, r.commits(), "offset left for redelivery")
}

func TestFileDeadLetter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	w, err := NewFileDeadLetter(path)
	require.NoError(t, err)

	msgs := []kafka.Message{
		{Topic: "order.created", Offset: 1, Value: payload},
		{Topic: "order.created", Offset: 2, Value: []byte("not json")},
	}
	for _, m := range msgs {
		require.NoError(t, w.Write(context.Background(), NewDeadLetter(m, core.ErrInvalidOrder, 1)))
	}
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []DeadLetter
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d DeadLetter
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		got = append(got, d)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[1].Offset)
	assert.Equal(t, `"not json"`, string(got[1].Payload))
	assert.Equal(t, "invalid order", got[0].Error)
}

type fakeWriter struct{ msgs []kafka.Message }

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestTopicDeadLetter(t *testing.T) {
	fw := &fakeWriter{}
	dl := NewTopicDeadLetter(fw)
	d := NewDeadLetter(kafka.Message{Key: []byte("k"), Offset: 40, Value: payload}, core.ErrOrderClosed, 2)
	require.NoError(t, dl.Write(context.Background(), d))

	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "k", string(fw.msgs[0].Key))
	assert.Equal(t, "source-offset", fw.msgs[0].Headers[1].Key)
	assert.Equal(t, "40", string(fw.msgs[0].Headers[1].Value))
}

func TestPublisherKeysByInstrument(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	ev := exchange.Event{
		EventID:       uuid.New(),
		Action:        core.ActionSell,
		InstrumentID:  7,
		UpdatedOrders: []core.OrderRef{{OrderID: 1, AccountID: 2}},
		OccurredAt:    time.Date(2024, 6, 3, 1, 0, 0, 0, time.UTC),
	}
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "7" {
			return errors.Newf("key %q", key)
		}
		if msg.Topic != "order.evented" {
			return errors.Newf("topic %q", msg.Topic)
		}
		return nil
	})
	producer.ExpectSendMessageWithCheckerFunctionAndFail(func(value []byte) error {
		var got exchange.Event
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.EventID != ev.EventID {
			return errors.New("event id lost")
		}
		return nil
	}, sarama.ErrOutOfBrokers)

	p := NewPublisher(producer, "order.evented")
	require.NoError(t, p.Deliver(context.Background(), ev))
	err := p.Deliver(context.Background(), ev)
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))
	require.NoError(t, p.Close())
}
