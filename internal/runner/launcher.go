package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/metrics"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

// DefaultArgumentKey is the agent argument that receives the target URL.
const DefaultArgumentKey = "spreadsheetUrl"

// Agent binds a job type to a runner agent.
type Agent struct {
	ID          string `mapstructure:"id"`
	ArgumentKey string `mapstructure:"argument_key"`
}

// Launcher configures and starts runner sessions for queue entries.
type Launcher struct {
	client     *Client
	agents     map[string]Agent
	webhookURL string
	logger     *zap.Logger
}

// NewLauncher creates a Launcher. webhookURL enables push completion when set.
func NewLauncher(client *Client, agents map[string]Agent, webhookURL string, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]Agent, len(agents))
	for jobType, agent := range agents {
		if agent.ArgumentKey == "" {
			agent.ArgumentKey = DefaultArgumentKey
		}
		normalized[jobType] = agent
	}
	return &Launcher{client: client, agents: normalized, webhookURL: webhookURL, logger: logger}
}

// Validate reports a ConfigurationError when jobType has no agent or the
// options carry no target URL.
func (l *Launcher) Validate(jobType string, options map[string]any) error {
	if _, err := l.agent(jobType); err != nil {
		return err
	}
	if strings.TrimSpace(orchestrator.QueueEntry{Options: options}.TargetURL()) == "" {
		return &orchestrator.ConfigurationError{Field: "options.target_url", Reason: "is required"}
	}
	return nil
}

func (l *Launcher) agent(jobType string) (Agent, error) {
	agent, ok := l.agents[jobType]
	if !ok {
		return Agent{}, &orchestrator.ConfigurationError{Field: "job_type", Reason: fmt.Sprintf("no agent configured for %q", jobType)}
	}
	if strings.TrimSpace(agent.ID) == "" {
		return Agent{}, &orchestrator.ConfigurationError{Field: "runner.agents." + jobType + ".id", Reason: "is required"}
	}
	return agent, nil
}

// Configure merges the entry's target into the agent's stored argument and saves it.
func (l *Launcher) Configure(ctx context.Context, entry orchestrator.QueueEntry) error {
	agent, err := l.agent(entry.JobType)
	if err != nil {
		return err
	}
	target := entry.TargetURL()
	if target == "" {
		return &orchestrator.ConfigurationError{Field: "options.target_url", Reason: "is required"}
	}

	current, err := l.client.FetchAgent(ctx, agent.ID)
	if err != nil {
		return &orchestrator.ConfigurationError{Field: "agent " + agent.ID, Reason: "fetch configuration failed", Err: err}
	}
	args, encodedAsString, err := decodeArgument(current.Argument)
	if err != nil {
		return &orchestrator.ConfigurationError{Field: "agent " + agent.ID, Reason: "unreadable argument", Err: err}
	}
	if extra, ok := entry.Options["arguments"].(map[string]any); ok {
		maps.Copy(args, extra)
	}
	args[agent.ArgumentKey] = target

	var argument any = args
	if encodedAsString {
		encoded, err := json.Marshal(args)
		if err != nil {
			return &orchestrator.ConfigurationError{Field: "agent " + agent.ID, Reason: "encode argument", Err: err}
		}
		argument = string(encoded)
	}
	if err := l.client.SaveAgent(ctx, agent.ID, argument, l.webhookURL); err != nil {
		return &orchestrator.ConfigurationError{Field: "agent " + agent.ID, Reason: "save configuration failed", Err: err}
	}
	l.logger.Info("agent configured",
		zap.String("job_id", entry.JobID),
		zap.String("agent_id", agent.ID),
		zap.String("target_id", entry.TargetID),
		zap.Bool("webhook_mode", l.webhookURL != ""),
	)
	return nil
}

// Launch starts the agent bound to the entry's job type and returns the session handle.
func (l *Launcher) Launch(ctx context.Context, entry orchestrator.QueueEntry) (string, error) {
	agent, err := l.agent(entry.JobType)
	if err != nil {
		return "", err
	}
	handle, err := l.client.Launch(ctx, agent.ID)
	if err != nil {
		metrics.ObserveLaunch("failed")
		return "", err
	}
	metrics.ObserveLaunch("launched")
	l.logger.Info("runner session launched",
		zap.String("job_id", entry.JobID),
		zap.String("handle", handle),
		zap.String("agent_id", agent.ID),
	)
	return handle, nil
}

// decodeArgument accepts an object or a JSON-encoded object string and reports which it was.
func decodeArgument(raw json.RawMessage) (map[string]any, bool, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, false, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, true, fmt.Errorf("decode argument string: %w", err)
		}
		if strings.TrimSpace(encoded) == "" {
			return map[string]any{}, true, nil
		}
		args := map[string]any{}
		if err := json.Unmarshal([]byte(encoded), &args); err != nil {
			return nil, true, fmt.Errorf("decode argument object: %w", err)
		}
		return args, true, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, false, fmt.Errorf("decode argument object: %w", err)
	}
	return args, false, nil
}
