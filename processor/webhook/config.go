package webhook

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// webhookSchema defines the configuration schema.
var webhookSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the webhook component.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `json:"listen_addr" schema:"type:string,description:HTTP listen address,category:basic,default::8090"`

	// Secret is the shared webhook signing secret. Empty disables
	// signature verification.
	Secret string `json:"secret" schema:"type:string,description:Webhook HMAC secret,category:basic,sensitive:true"`

	// MaxBodyBytes caps delivery payload size.
	MaxBodyBytes int64 `json:"max_body_bytes" schema:"type:int,description:Maximum delivery payload bytes,category:advanced,default:1048576"`

	// ReadTimeout bounds request reads.
	ReadTimeout string `json:"read_timeout" schema:"type:string,description:HTTP read timeout,category:advanced,default:10s"`

	// WriteTimeout bounds response writes.
	WriteTimeout string `json:"write_timeout" schema:"type:string,description:HTTP write timeout,category:advanced,default:10s"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8090",
		MaxBodyBytes: 1 << 20,
		ReadTimeout:  "10s",
		WriteTimeout: "10s",
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "forge-events",
					Type:        "jetstream",
					Subject:     "pipeline.events.>",
					StreamName:  "PIPELINE",
					Description: "Publish normalized forge events",
					Required:    true,
				},
			},
		},
	}
}

// GetReadTimeout parses the read timeout, defaulting to 10s.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 10*time.Second)
}

// GetWriteTimeout parses the write timeout, defaulting to 10s.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	return nil
}
