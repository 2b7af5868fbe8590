package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	queue   string
	body    []byte
	headers amqp091.Table
}

type fakeChannel struct {
	mu     sync.Mutex
	msgs   []published
	closed bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{queue: key, body: msg.Body, headers: msg.Headers})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type fakeAck struct {
	acked, nacked int
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

type fakeRuntime struct {
	err     error
	spawned []string
}

func (r *fakeRuntime) Spawn(ctx context.Context, name workflow.Name, payload any, key string) (workflow.Handle, error) {
	r.spawned = append(r.spawned, key)
	if r.err != nil {
		return nil, r.err
	}
	return queuedHandle{id: key}, nil
}

func (r *fakeRuntime) Close() error { return nil }

type fakeClaims struct {
	taken    map[string]bool
	released []string
}

func (c *fakeClaims) Claim(ctx context.Context, key string) (bool, error) {
	if c.taken[key] {
		return false, nil
	}
	c.taken[key] = true
	return true, nil
}

func (c *fakeClaims) Release(ctx context.Context, key string) error {
	delete(c.taken, key)
	c.released = append(c.released, key)
	return nil
}

func delivery(t *testing.T, ack *fakeAck, body []byte, headers amqp091.Table) amqp091.Delivery {
	t.Helper()
	return amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Headers: headers}
}

func trigger(t *testing.T, key string) []byte {
	t.Helper()
	raw, err := json.Marshal(Trigger{
		Workflow: workflow.WorkflowExtractAndStore,
		Key:      key,
		Payload:  json.RawMessage(`{"document_id":"d1"}`),
	})
	require.NoError(t, err)
	return raw
}

func TestPublisher_QueuesValidTriggers(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, WorkflowQueue)

	h, err := p.Spawn(t.Context(), workflow.WorkflowExtractAndStore, workflow.ExtractAndStorePayload{DocumentID: "d1"}, "kg-extract-and-store_d1")
	require.NoError(t, err)
	assert.Equal(t, "kg-extract-and-store_d1", h.ID())
	assert.ErrorIs(t, h.Result(t.Context(), nil), ErrQueued)

	require.Len(t, ch.msgs, 1)
	assert.Equal(t, WorkflowQueue, ch.msgs[0].queue)
	var got Trigger
	require.NoError(t, json.Unmarshal(ch.msgs[0].body, &got))
	assert.Equal(t, workflow.WorkflowExtractAndStore, got.Workflow)
	assert.JSONEq(t, `"d1"`, string(mustField(t, got.Payload, "document_id")))

	_, err = p.Spawn(t.Context(), workflow.WorkflowExtractAndStore, workflow.ExtractAndStorePayload{}, "")
	assert.Equal(t, common.KindInvalid, common.KindOf(err))
	assert.Len(t, ch.msgs, 1)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func mustField(t *testing.T, raw json.RawMessage, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[field]
}

func TestConsumer_AcksSuccess(t *testing.T) {
	ch := &fakeChannel{}
	rt := &fakeRuntime{}
	ack := &fakeAck{}
	var done []string
	c := NewConsumer(rt, ch, WorkflowQueue, ConsumerOptions{
		Wait: true,
		OnDone: func(tr Trigger, d time.Duration, err error) {
			assert.NoError(t, err)
			done = append(done, tr.Key)
		},
	})

	c.Handle(t.Context(), delivery(t, ack, trigger(t, "k1"), nil))

	assert.Equal(t, []string{"k1"}, rt.spawned)
	assert.Equal(t, []string{"k1"}, done)
	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, ch.msgs)
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	ch := &fakeChannel{}
	claims := &fakeClaims{taken: map[string]bool{}}
	rt := &fakeRuntime{err: common.Transient("db", errors.New("down"))}
	ack := &fakeAck{}
	c := NewConsumer(rt, ch, WorkflowQueue, ConsumerOptions{Claims: claims})

	c.Handle(t.Context(), delivery(t, ack, trigger(t, "k1"), amqp091.Table{"x-retries": int32(2)}))

	require.Len(t, ch.msgs, 1)
	assert.Equal(t, WorkflowQueue+"_retry", ch.msgs[0].queue)
	assert.Equal(t, int32(3), ch.msgs[0].headers["x-retries"])
	assert.Equal(t, []string{"k1"}, claims.released)
	assert.Equal(t, 1, ack.acked)
}

func TestConsumer_DeadLetters(t *testing.T) {
	tests := map[string]struct {
		body    []byte
		err     error
		headers amqp091.Table
	}{
		"undecodable":   {body: []byte("{"), err: nil},
		"invalid":       {err: common.Invalid("payload", errors.New("bad"))},
		"retries spent": {err: common.Transient("db", errors.New("down")), headers: amqp091.Table{"x-retries": int64(maxRetries)}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ch := &fakeChannel{}
			ack := &fakeAck{}
			body := tt.body
			if body == nil {
				body = trigger(t, "k1")
			}
			c := NewConsumer(&fakeRuntime{err: tt.err}, ch, WorkflowQueue, ConsumerOptions{})

			c.Handle(t.Context(), delivery(t, ack, body, tt.headers))

			require.Len(t, ch.msgs, 1)
			assert.Equal(t, WorkflowQueue+"_dlq", ch.msgs[0].queue)
			assert.Equal(t, 1, ack.acked)
		})
	}
}

func TestConsumer_SkipsClaimedKeys(t *testing.T) {
	claims := &fakeClaims{taken: map[string]bool{"k1": true}}
	rt := &fakeRuntime{}
	ack := &fakeAck{}
	c := NewConsumer(rt, &fakeChannel{}, WorkflowQueue, ConsumerOptions{Claims: claims})

	c.Handle(t.Context(), delivery(t, ack, trigger(t, "k1"), nil))

	assert.Empty(t, rt.spawned)
	assert.Equal(t, 1, ack.acked)
}

func TestConsumer_ReleasesClaimAfterRun(t *testing.T) {
	claims := &fakeClaims{taken: map[string]bool{}}
	rt := &fakeRuntime{}
	c := NewConsumer(rt, &fakeChannel{}, WorkflowQueue, ConsumerOptions{Claims: claims, Wait: true})

	first := &fakeAck{}
	c.Handle(t.Context(), delivery(t, first, trigger(t, "kg-extract-and-store_d1"), nil))
	second := &fakeAck{}
	c.Handle(t.Context(), delivery(t, second, trigger(t, "kg-extract-and-store_d1"), nil))

	assert.Equal(t, []string{"kg-extract-and-store_d1", "kg-extract-and-store_d1"}, rt.spawned)
	assert.Equal(t, []string{"kg-extract-and-store_d1", "kg-extract-and-store_d1"}, claims.released)
	assert.Empty(t, claims.taken)
	assert.Equal(t, 1, first.acked)
	assert.Equal(t, 1, second.acked)
}
