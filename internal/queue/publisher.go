package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/google/uuid"
)

// ErrQueued is returned by the Result of a queued run. Progress is read from
// the document statuses.
var ErrQueued = errors.New("workflow run was queued, result is not available")

// Trigger is the message a Publisher sends and a Consumer executes.
type Trigger struct {
	Workflow    workflow.Name   `json:"workflow"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	RequestedAt time.Time       `json:"requested_at"`
}

type channel interface {
	publisher
	Close() error
}

// Publisher implements workflow.Runtime by queueing triggers for the
// workers. Payloads are validated before they are queued.
type Publisher struct {
	mu    sync.Mutex
	ch    channel
	queue string
}

func NewPublisher(ch channel, queueName string) *Publisher {
	return &Publisher{ch: ch, queue: queueName}
}

func (p *Publisher) Spawn(ctx context.Context, name workflow.Name, payload any, key string) (workflow.Handle, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := workflow.Validate(name, raw); err != nil {
		return nil, err
	}
	if key == "" {
		key = string(name) + "_" + uuid.NewString()
	}
	msg, err := json.Marshal(Trigger{Workflow: name, Key: key, Payload: raw, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, common.Invalid("trigger", err)
	}

	p.mu.Lock()
	err = PublishFIFO(ctx, p.ch, p.queue, msg, nil)
	p.mu.Unlock()
	if err != nil {
		return nil, common.Transient("queue_unavailable", fmt.Errorf("failed to publish %s: %w", name, err))
	}
	logger.Info("[Queue] Workflow queued", "workflow", name, "key", key)
	return queuedHandle{id: key}, nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, common.Invalid("payload", err)
	}
	return raw, nil
}

type queuedHandle struct {
	id string
}

func (h queuedHandle) ID() string {
	return h.id
}

func (h queuedHandle) Result(ctx context.Context, out any) error {
	return ErrQueued
}

var _ workflow.Runtime = (*Publisher)(nil)
