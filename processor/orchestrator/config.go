package orchestrator

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// orchestratorSchema defines the configuration schema.
var orchestratorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the orchestrator component.
type Config struct {
	// StreamName is the JetStream stream carrying normalized forge events.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream name,category:basic,default:PIPELINE"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic,default:orchestrator"`

	// EventsSubject is the subject filter for the consumer.
	EventsSubject string `json:"events_subject" schema:"type:string,description:Subject filter for forge events,category:basic,default:pipeline.events.>"`

	// PipelinePrefix names this deployment; workflow instance names are
	// composed from it.
	PipelinePrefix string `json:"pipeline_prefix" schema:"type:string,description:Deployment prefix for workflow names,category:basic,default:mergeflow"`

	// QualityLabel is the ready-for-qa equivalent label.
	QualityLabel string `json:"quality_label" schema:"type:string,description:Label that advances quality review,category:basic,default:ready-for-qa"`

	// ImplementationIdentities are pusher identities recognized as
	// implementation agents.
	ImplementationIdentities []string `json:"implementation_identities" schema:"type:array,description:Pusher identities of implementation agents,category:basic"`

	// Reviewers is the reviewer identity allow-list for feedback.
	Reviewers []string `json:"reviewers" schema:"type:array,description:Reviewer identities allowed to post actionable feedback and advance review stages,category:basic"`

	// ReviewerTeamPrefixes accepts any identity with one of these prefixes.
	ReviewerTeamPrefixes []string `json:"reviewer_team_prefixes" schema:"type:array,description:Identity prefixes accepted as reviewers,category:advanced"`

	// MaxIterations is the remediation budget for new tasks.
	MaxIterations int `json:"max_iterations" schema:"type:int,description:Remediation iteration ceiling,category:basic,default:10"`

	// ImplicitResolution marks earlier feedback resolved when its criteria
	// stop appearing in newer comments.
	ImplicitResolution bool `json:"implicit_resolution" schema:"type:bool,description:Resolve feedback whose criteria disappear from newer comments,category:advanced,default:true"`

	// PreferBranch inverts the label-wins correlation precedence.
	PreferBranch bool `json:"prefer_branch" schema:"type:bool,description:Prefer branch-derived task ids over labels on disagreement,category:advanced"`

	// ForgeBaseURL is the hosting platform API root.
	ForgeBaseURL string `json:"forge_base_url" schema:"type:string,description:Forge REST API base URL,category:basic"`

	// ForgeRepo is the owner/name repository slug.
	ForgeRepo string `json:"forge_repo" schema:"type:string,description:Repository slug,category:basic"`

	// ForgeToken authenticates forge API calls.
	ForgeToken string `json:"forge_token" schema:"type:string,description:Forge API token,category:basic,sensitive:true"`

	// ForgeTimeout bounds each forge API call.
	ForgeTimeout string `json:"forge_timeout" schema:"type:string,description:Per-call forge API timeout,category:advanced,default:15s"`

	// CancelAckTimeout bounds each agent run cancel acknowledgment wait.
	CancelAckTimeout string `json:"cancel_ack_timeout" schema:"type:string,description:Run cancel acknowledgment timeout,category:advanced,default:5s"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:         "PIPELINE",
		ConsumerName:       "orchestrator",
		EventsSubject:      "pipeline.events.>",
		PipelinePrefix:     "mergeflow",
		QualityLabel:       "ready-for-qa",
		MaxIterations:      10,
		ImplicitResolution: true,
		ForgeTimeout:       "15s",
		CancelAckTimeout:   "5s",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "forge-events",
					Type:        "jetstream",
					Subject:     "pipeline.events.>",
					StreamName:  "PIPELINE",
					Description: "Receive normalized forge events",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "engine-signals",
					Type:        "jetstream",
					Subject:     "engine.signal.>",
					Description: "Resume and cancel workflow instances",
					Required:    false,
				},
			},
		},
	}
}

// GetForgeTimeout parses the forge timeout, defaulting to 15s.
func (c *Config) GetForgeTimeout() time.Duration {
	return parseDuration(c.ForgeTimeout, 15*time.Second)
}

// GetCancelAckTimeout parses the cancel ack timeout, defaulting to 5s.
func (c *Config) GetCancelAckTimeout() time.Duration {
	return parseDuration(c.CancelAckTimeout, 5*time.Second)
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
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.EventsSubject == "" {
		return fmt.Errorf("events_subject is required")
	}
	if c.PipelinePrefix == "" {
		return fmt.Errorf("pipeline_prefix is required")
	}
	if c.QualityLabel == "" {
		return fmt.Errorf("quality_label is required")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.ForgeBaseURL == "" {
		return fmt.Errorf("forge_base_url is required")
	}
	if c.ForgeRepo == "" {
		return fmt.Errorf("forge_repo is required")
	}
	return nil
}
