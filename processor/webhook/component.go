// Package webhook provides the HTTP ingress for forge webhook deliveries.
// It authenticates each delivery, normalizes the five consumed event shapes
// into the pipeline's ForgeEvent, and publishes them to the PIPELINE stream.
// It also serves the Prometheus metrics endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/mergeflow/pipeline"
)

// Component implements the webhook receiver.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	// HTTP server state.
	server   *http.Server
	listener net.Listener

	// Lifecycle.
	running   bool
	startTime time.Time
	mu        sync.RWMutex

	// publishFn lets tests intercept event publication.
	publishFn func(context.Context, *pipeline.ForgeEvent) error

	// Metrics.
	failed         atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent constructs a webhook Component from raw JSON config and
// semstreams dependencies.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.ReadTimeout == "" {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == "" {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Component{
		name:       "webhook",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}
	c.publishFn = c.publish
	return c, nil
}

// Initialize prepares the component for startup.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized webhook", "listen_addr", c.config.ListenAddr)
	return nil
}

// Start binds the listener and begins serving webhook traffic.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		return fmt.Errorf("NATS client required")
	}

	listener, err := net.Listen("tcp", c.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.config.ListenAddr, err)
	}
	c.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", c.handleWebhook)
	mux.HandleFunc("/healthz", c.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	c.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  c.config.GetReadTimeout(),
		WriteTimeout: c.config.GetWriteTimeout(),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	c.running = true
	c.startTime = time.Now()

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("webhook server error", "error", err)
		}
	}()

	c.logger.Info("webhook started", "addr", listener.Addr().String())
	return nil
}

// publish wraps the normalized event and publishes it to its per-type
// subject on the pipeline stream.
func (c *Component) publish(ctx context.Context, ev *pipeline.ForgeEvent) error {
	c.updateLastActivity()

	baseMsg := message.NewBaseMessage(pipeline.ForgeEventType, ev, "webhook")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := pipeline.EventSubject(ev.Type)
	if err := c.natsClient.PublishToStream(ctx, subject, data); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (c *Component) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if !running {
		status = http.StatusServiceUnavailable
		body["status"] = "stopped"
	}
	writeJSON(w, status, body)
}

// Stop drains in-flight requests and stops the server.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown webhook server: %w", err)
		}
	}

	c.logger.Info("webhook stopped", "publish_failures", c.failed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "webhook",
		Type:        "processor",
		Description: "Receives forge webhooks and publishes normalized pipeline events",
		Version:     "0.1.0",
	}
}

// InputPorts returns the configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
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
	return webhookSchema
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
