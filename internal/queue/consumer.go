package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/rabbitmq/amqp091-go"
)

// Deliveries that failed this often go to the dead letter queue.
const maxRetries = 10

// Consumer executes queued triggers on a workflow.Runtime.
type Consumer struct {
	runtime workflow.Runtime
	ch      publisher
	queue   string
	claims  Claimer
	wait    bool
	onDone  func(Trigger, time.Duration, error)
}

type ConsumerOptions struct {
	// Claims suppresses duplicate deliveries of a key while its run is in
	// flight. Optional.
	Claims Claimer
	// Wait makes the consumer block until the run finished, so a failed
	// run is retried through the _retry queue. Runtimes that retry on
	// their own, like Temporal, do not need it.
	Wait bool
	// OnDone is called after every executed trigger. Optional.
	OnDone func(t Trigger, d time.Duration, err error)
}

func NewConsumer(runtime workflow.Runtime, ch publisher, queueName string, opts ConsumerOptions) *Consumer {
	return &Consumer{runtime: runtime, ch: ch, queue: queueName, claims: opts.Claims, wait: opts.Wait, onDone: opts.OnDone}
}

// Run consumes the queue with prefetch 1 until ctx is done.
func (c *Consumer) Run(ctx context.Context, ch *amqp091.Channel) error {
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := ch.Consume(c.queue, c.queue+"_consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.queue, err)
	}
	logger.Info("[Queue] Listening for messages", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer", "queue", c.queue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel of %s closed", c.queue)
			}
			c.Handle(ctx, msg)
		}
	}
}

// Handle executes one delivery and acks it, or routes it to the retry or
// dead letter queue.
func (c *Consumer) Handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	var t Trigger
	if err := json.Unmarshal(msg.Body, &t); err != nil || t.Workflow == "" {
		logger.Error("[Queue] Undecodable trigger", "queue", c.queue, "err", err)
		c.deadLetter(ctx, msg)
		return
	}

	claimed := false
	if c.claims != nil && t.Key != "" {
		ok, err := c.claims.Claim(ctx, t.Key)
		switch {
		case err != nil:
			logger.Warn("[Queue] Claim failed, processing anyway", "key", t.Key, "err", err)
		case !ok:
			logger.Info("[Queue] Duplicate delivery, skipping", "workflow", t.Workflow, "key", t.Key)
			ack(msg)
			return
		default:
			claimed = true
		}
	}

	err := c.run(ctx, t)
	if claimed {
		c.release(ctx, t.Key)
	}
	if c.onDone != nil {
		c.onDone(t, time.Since(start), err)
	}
	if err == nil {
		ack(msg)
		logger.Info("[Queue] Message processed", "workflow", t.Workflow, "key", t.Key, "duration", time.Since(start))
		return
	}

	logger.Error("[Queue] Error processing message", "workflow", t.Workflow, "key", t.Key, "err", err)
	if !common.IsRetryable(err) {
		c.deadLetter(ctx, msg)
		return
	}
	c.retry(ctx, msg)
}

func (c *Consumer) run(ctx context.Context, t Trigger) error {
	h, err := c.runtime.Spawn(ctx, t.Workflow, []byte(t.Payload), t.Key)
	if err != nil {
		return err
	}
	if !c.wait {
		return nil
	}
	return h.Result(ctx, nil)
}

// release frees the key once its run is over. Claims only cover runs that
// are still in flight, so a later trigger for the same key executes.
func (c *Consumer) release(ctx context.Context, key string) {
	if err := c.claims.Release(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("[Queue] Failed to release claim", "key", key, "err", err)
	}
}

func (c *Consumer) retry(ctx context.Context, msg amqp091.Delivery) {
	retries := retryCount(msg.Headers)
	if retries >= maxRetries {
		c.deadLetter(ctx, msg)
		return
	}
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	retryName := c.queue + "_retry"
	if err := PublishFIFO(ctx, c.ch, retryName, msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	ack(msg)
}

func (c *Consumer) deadLetter(ctx context.Context, msg amqp091.Delivery) {
	dlqName := c.queue + "_dlq"
	logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName)
	if err := PublishFIFO(ctx, c.ch, dlqName, msg.Body, msg.Headers); err != nil {
		logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	ack(msg)
}

func ack(msg amqp091.Delivery) {
	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
}

func retryCount(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
