// Package orchestrator provides the JetStream processor at the heart of the
// pipeline: it consumes normalized forge events, correlates them to tasks,
// advances the per-task stage machine under optimistic concurrency, and runs
// the bounded remediation loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/mergeflow/engine"
	"github.com/c360studio/mergeflow/feedback"
	"github.com/c360studio/mergeflow/forge"
	"github.com/c360studio/mergeflow/pipeline"
	"github.com/c360studio/mergeflow/remediation"
	"github.com/c360studio/mergeflow/runs"
	"github.com/c360studio/mergeflow/storage"
)

// Component implements the orchestrator processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	driver *Driver

	// JetStream consumer state.
	consumer jetstream.Consumer

	// Lifecycle.
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics.
	processed      atomic.Int64
	failed         atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent constructs an orchestrator Component from raw JSON config and
// semstreams dependencies.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.EventsSubject == "" {
		config.EventsSubject = defaults.EventsSubject
	}
	if config.PipelinePrefix == "" {
		config.PipelinePrefix = defaults.PipelinePrefix
	}
	if config.QualityLabel == "" {
		config.QualityLabel = defaults.QualityLabel
	}
	if config.MaxIterations == 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.ForgeTimeout == "" {
		config.ForgeTimeout = defaults.ForgeTimeout
	}
	if config.CancelAckTimeout == "" {
		config.CancelAckTimeout = defaults.CancelAckTimeout
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "orchestrator",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component for startup.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized orchestrator",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.EventsSubject)
	return nil
}

// Start wires the driver's collaborators and begins consuming forge events.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	store, err := storage.NewStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open task store: %w", err)
	}

	runsBucket, err := runs.OpenBucket(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open runs bucket: %w", err)
	}
	canceler := runs.NewManager(
		runsBucket,
		runs.ConnRequester{Conn: c.natsClient.GetConnection()},
		c.config.GetCancelAckTimeout(),
		c.logger,
	)

	forgeClient := forge.NewClient(
		c.config.ForgeBaseURL,
		c.config.ForgeRepo,
		c.config.ForgeToken,
		c.config.GetForgeTimeout(),
		c.logger,
	)

	signaler := engine.NewSignaler(
		engine.Resolver{Prefix: c.config.PipelinePrefix},
		c.natsClient,
	)

	// One validator gates both actionable feedback and stage-advancing
	// review actions (quality label, approval).
	reviewerAuth := feedback.NewReviewerValidator(c.config.Reviewers, c.config.ReviewerTeamPrefixes)

	labels := remediation.DefaultLabels()
	controller := remediation.NewController(
		store,
		reviewerAuth,
		feedback.NewParser(),
		canceler,
		forgeClient,
		remediationTrigger{signaler: signaler},
		remediation.Options{
			Labels:             labels,
			ImplicitResolution: c.config.ImplicitResolution,
		},
		c.logger,
	)

	c.driver = NewDriver(DriverConfig{
		Store: store,
		Correlator: &pipeline.Correlator{
			QualityLabel:             c.config.QualityLabel,
			ImplementationIdentities: c.config.ImplementationIdentities,
			Reviewers:                reviewerAuth,
			PreferBranch:             c.config.PreferBranch,
		},
		Remediator:    controller,
		Signaler:      signaler,
		Canceler:      canceler,
		Labeler:       forgeClient,
		MaxIterations: c.config.MaxIterations,
		StageLabels: map[pipeline.Stage]string{
			pipeline.StageApproved: "approved",
		},
		KnownLabels: labels.Known,
	}, c.logger)

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.EventsSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		// Remediation cycles call out to the forge and the run launcher
		// with their own retries; give them room before redelivery.
		AckWait:    2 * time.Minute,
		MaxDeliver: 3,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("orchestrator started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.EventsSubject)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop fetches messages from the JetStream consumer until the context
// is cancelled.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleMessage processes a single forge event message. Drops and terminal
// outcomes ack; only transient processing failures nak for redelivery.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	c.processed.Add(1)
	c.updateLastActivity()
	eventsReceived.Inc()

	var base message.BaseMessage
	if err := json.Unmarshal(msg.Data(), &base); err != nil {
		c.failed.Add(1)
		eventsDropped.WithLabelValues("malformed").Inc()
		c.logger.Error("Failed to parse message envelope", "error", err)
		// Malformed payloads will not improve on retry.
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("Failed to ACK malformed message", "error", ackErr)
		}
		return
	}

	var ev pipeline.ForgeEvent
	payloadBytes, err := json.Marshal(base.Payload())
	if err == nil {
		err = json.Unmarshal(payloadBytes, &ev)
	}
	if err != nil {
		c.failed.Add(1)
		eventsDropped.WithLabelValues("malformed").Inc()
		c.logger.Error("Failed to parse forge event", "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("Failed to ACK malformed message", "error", ackErr)
		}
		return
	}

	if err := ev.Validate(); err != nil {
		eventsDropped.WithLabelValues("invalid").Inc()
		c.logger.Warn("Invalid forge event", "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("Failed to ACK invalid message", "error", ackErr)
		}
		return
	}

	outcome, err := c.driver.Handle(ctx, &ev)
	if err != nil {
		c.failed.Add(1)
		processingErrors.Inc()
		c.logger.Error("Event processing failed",
			"delivery_id", ev.DeliveryID, "type", ev.Type, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Warn("Failed to NAK message", "error", nakErr)
		}
		return
	}

	if outcome == OutcomeDropped {
		eventsDropped.WithLabelValues("no_transition").Inc()
	}

	if ackErr := msg.Ack(); ackErr != nil {
		c.logger.Warn("Failed to ACK message", "error", ackErr)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.logger.Info("orchestrator stopped",
		"processed", c.processed.Load(),
		"failed", c.failed.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "orchestrator",
		Type:        "processor",
		Description: "Correlates forge events to tasks and drives the stage machine",
		Version:     "0.1.0",
	}
}

// InputPorts returns the configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, def := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        def.Name,
			Direction:   component.DirectionInput,
			Required:    def.Required,
			Description: def.Description,
			Config:      component.NATSPort{Subject: def.Subject},
		}
	}
	return ports
}

// OutputPorts returns the configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, def := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        def.Name,
			Direction:   component.DirectionOutput,
			Required:    def.Required,
			Description: def.Description,
			Config:      component.NATSPort{Subject: def.Subject},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return orchestratorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.failed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

// remediationTrigger re-invokes the implementation role by resuming the
// task's workflow instance at its remediation suspension point, with the
// open feedback records in the resume payload.
type remediationTrigger struct {
	signaler *engine.Signaler
}

func (t remediationTrigger) TriggerImplementation(ctx context.Context, task *pipeline.Task, open []pipeline.FeedbackRecord) error {
	return t.signaler.ResumeRemediation(ctx, task.ID, open)
}
