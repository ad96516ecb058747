package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"questmaestro/internal/domain"
)

var (
	ErrNoReport       = errors.New("agent exited without writing a report")
	ErrPromptNotFound = errors.New("agent prompt not found")
	// ErrRecoveryExhausted stops respawning an agent that keeps crashing.
	ErrRecoveryExhausted = errors.New("maximum recovery attempts reached")
	// ErrManualIntervention means pathseeker judged a crash unrecoverable.
	ErrManualIntervention = errors.New("recovery requires manual intervention")
)

// Discovery modes for pathseeker.
const (
	ModeCreation           = "creation"
	ModeValidation         = "validation"
	ModeRecoveryAssessment = "recovery_assessment"
)

// Context is what an agent is told about its invocation.
type Context struct {
	QuestFolder      string
	ReportNumber     string
	WorkingDirectory string
	// Mode selects the pathseeker flavour: creation, validation or
	// recovery_assessment.
	Mode              string
	AdditionalContext map[string]any

	PreviousReportNumber string
	UserGuidance         string

	// RecoveryMode marks a respawn after the agent crashed.
	RecoveryMode          bool
	PreviousReportNumbers []string
	// ReportPath overrides where the report is expected.
	ReportPath string
}

// TaskID is the id of the task the agent works on, if any.
func (c Context) TaskID() string {
	switch t := c.AdditionalContext["task"].(type) {
	case domain.Task:
		return t.ID
	case *domain.Task:
		if t != nil {
			return t.ID
		}
	}
	if id, ok := c.AdditionalContext["taskId"].(string); ok {
		return id
	}
	return ""
}

// cloneExtra copies the additional context so a respawn can extend it.
func (c Context) cloneExtra() map[string]any {
	out := make(map[string]any, len(c.AdditionalContext)+2)
	for k, v := range c.AdditionalContext {
		out[k] = v
	}
	return out
}

// Spawner runs one agent to completion and returns its report.
type Spawner interface {
	SpawnAndWait(ctx context.Context, agentType domain.AgentType, c Context) (domain.AgentReport, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, agentType domain.AgentType, c Context) (domain.AgentReport, error)

func (f SpawnerFunc) SpawnAndWait(ctx context.Context, agentType domain.AgentType, c Context) (domain.AgentReport, error) {
	return f(ctx, agentType, c)
}

// NextNumber returns the report number following n.
func NextNumber(n string) (string, error) {
	v, err := strconv.Atoi(n)
	if err != nil {
		return "", fmt.Errorf("invalid report number %q: %w", n, err)
	}
	return fmt.Sprintf("%03d", v+1), nil
}
