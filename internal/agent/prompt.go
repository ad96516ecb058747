package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"questmaestro/internal/domain"
)

const argumentsPlaceholder = "$ARGUMENTS"

// LoadPrompt reads the <agent>.md template from dir.
func LoadPrompt(dir string, agentType domain.AgentType) (string, error) {
	path := filepath.Join(dir, string(agentType)+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", path, ErrPromptNotFound)
		}
		return "", err
	}
	return string(data), nil
}

// RenderPrompt substitutes the formatted context into the template.
func RenderPrompt(template string, agentType domain.AgentType, c Context) string {
	return strings.Replace(template, argumentsPlaceholder, FormatContext(agentType, c), 1)
}

// FormatContext renders the invocation context as the agent reads it.
func FormatContext(agentType domain.AgentType, c Context) string {
	var lines []string
	add := func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }

	if title, ok := c.AdditionalContext["questTitle"].(string); ok && title != "" {
		add("Quest: %s", title)
	}
	if agentType == domain.AgentPathseeker {
		if req, ok := c.AdditionalContext["userRequest"].(string); ok {
			add("User request: %s", req)
		}
	}
	add("Quest folder: %s", c.QuestFolder)
	add("Report number: %s", c.ReportNumber)
	if c.WorkingDirectory != "" {
		add("Working directory: %s", c.WorkingDirectory)
	}
	if c.Mode != "" {
		add("Quest mode: %s", c.Mode)
	}
	if c.PreviousReportNumber != "" {
		add("\n[CONTINUATION MODE]")
		add("Previous report number: %s", c.PreviousReportNumber)
		if c.UserGuidance != "" {
			add("User guidance: %s", c.UserGuidance)
		}
	}
	if c.RecoveryMode {
		add("\n[RECOVERY MODE]")
		if len(c.PreviousReportNumbers) > 0 {
			add("Previous report numbers: %s", strings.Join(c.PreviousReportNumbers, ", "))
		}
		if instruction, ok := c.AdditionalContext["instruction"].(string); ok {
			add("Instruction: %s", instruction)
		}
	}
	if c.Mode == ModeRecoveryAssessment {
		add("\n[RECOVERY ASSESSMENT MODE]")
		add("Crashed agent: %v", valueOr(c.AdditionalContext["crashedAgent"], "unknown"))
		add("Crash report number: %v", valueOr(c.AdditionalContext["crashReportNumber"], "unknown"))
		task, _ := json.MarshalIndent(valueOr(c.AdditionalContext["originalTask"], map[string]any{}), "", "  ")
		add("\nOriginal task:\n%s", task)
	}

	keys := make([]string, 0, len(c.AdditionalContext))
	for k := range c.AdditionalContext {
		switch k {
		case "questTitle", "userRequest", "mode", "instruction":
			continue
		case "crashedAgent", "crashReportNumber", "originalTask":
			if c.Mode == ModeRecoveryAssessment {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, err := json.MarshalIndent(c.AdditionalContext[k], "", "  ")
		if err != nil {
			add("%s: %v", k, c.AdditionalContext[k])
			continue
		}
		add("%s: %s", k, data)
	}

	switch agentType {
	case domain.AgentPathseeker:
		switch c.Mode {
		case ModeValidation:
			add("\nInstructions: Analyze the current task list and codebase. Return a reconciliation plan if tasks need updating.")
		case ModeRecoveryAssessment:
			add("\nPlease analyze the current codebase state vs the original task.")
			add("Determine which files were completed, partially modified, or still missing.")
			add("Provide a recommendation: continue, restart, or manual_intervention.")
		}
	case domain.AgentLawbringer:
		add("Standards: Check CLAUDE.md files in directory hierarchy")
	}
	return strings.Join(lines, "\n")
}

func valueOr(v, fallback any) any {
	if v == nil {
		return fallback
	}
	if s, ok := v.(string); ok && s == "" {
		return fallback
	}
	return v
}
