// Package client provides test clients for e2e scenarios.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/mergeflow/pipeline"
	"github.com/c360studio/mergeflow/storage"
)

// NATSClient provides NATS operations for mergeflow e2e tests.
type NATSClient struct {
	client *natsclient.Client
	js     jetstream.JetStream
	closed bool
	mu     sync.Mutex
}

// NewNATSClient creates a NATS client for e2e testing.
func NewNATSClient(ctx context.Context, natsURL string) (*NATSClient, error) {
	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName("mergeflow-e2e"),
		natsclient.WithMaxReconnects(5),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	js, err := client.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &NATSClient{
		client: client,
		js:     js,
	}, nil
}

// Client returns the underlying natsclient for component dependencies.
func (c *NATSClient) Client() *natsclient.Client {
	return c.client
}

// Close closes the NATS client.
func (c *NATSClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.client.Close(ctx)
}

// EnsurePipelineStream creates or updates the PIPELINE stream carrying
// forge events and engine signals.
func (c *NATSClient) EnsurePipelineStream(ctx context.Context) error {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     "PIPELINE",
		Subjects: []string{pipeline.EventsSubjectWildcard, "engine.signal.>"},
		Storage:  jetstream.MemoryStorage,
		MaxAge:   time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure PIPELINE stream: %w", err)
	}
	// Drop events left over from earlier scenarios.
	if err := stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge PIPELINE stream: %w", err)
	}
	return nil
}

// PublishForgeEvent wraps the event in the standard message envelope and
// publishes it to its per-type subject, exactly as the webhook receiver does.
func (c *NATSClient) PublishForgeEvent(ctx context.Context, ev *pipeline.ForgeEvent) error {
	baseMsg := message.NewBaseMessage(pipeline.ForgeEventType, ev, "e2e")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := c.client.PublishToStream(ctx, pipeline.EventSubject(ev.Type), data); err != nil {
		return fmt.Errorf("publish forge event: %w", err)
	}
	return nil
}

// WaitForTask polls the task bucket until the predicate accepts the task or
// the context expires.
func (c *NATSClient) WaitForTask(ctx context.Context, id pipeline.TaskID, accept func(*pipeline.Task) bool) (*pipeline.Task, error) {
	store, err := storage.NewStore(ctx, c.js)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, _, err := store.Get(ctx, id)
		if err == nil && accept(task) {
			return task, nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return nil, fmt.Errorf("task %s never appeared: %w", id, err)
			}
			return task, fmt.Errorf("task %s never reached expected state (stage %s)", id, task.Stage)
		case <-ticker.C:
		}
	}
}

// DeleteTaskBuckets drops the task and run buckets so each scenario starts
// from a clean slate.
func (c *NATSClient) DeleteTaskBuckets(ctx context.Context) {
	_ = c.js.DeleteKeyValue(ctx, storage.BucketTasks)
	_ = c.js.DeleteKeyValue(ctx, "AGENT_RUNS")
}
