package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"questmaestro/internal/domain"
	"questmaestro/internal/events"
	"questmaestro/internal/repo"
)

const retroIndexFile = "index.json"

var phaseIcons = map[domain.PhaseStatus]string{
	domain.PhaseComplete:   "✅",
	domain.PhaseSkipped:    "⏭️",
	domain.PhaseInProgress: "🔄",
	domain.PhaseBlocked:    "🚫",
	domain.PhasePending:    "⏳",
}

// GenerateRetrospective renders a markdown summary of a quest.
func (e Engine) GenerateRetrospective(folder string) (string, error) {
	q, err := e.GetQuest(folder)
	if err != nil {
		return "", err
	}
	reports, err := e.Reports(folder)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Quest Retrospective: %s\n\n", q.Title)
	fmt.Fprintf(&b, "**Quest ID**: %s\n", q.ID)
	fmt.Fprintf(&b, "**Folder**: %s\n", q.Folder)
	fmt.Fprintf(&b, "**Status**: %s\n\n", q.Status)

	total, completed, skipped := len(q.Tasks), 0, 0
	for _, t := range q.Tasks {
		switch t.Status {
		case domain.TaskComplete:
			completed++
		case domain.TaskSkipped:
			skipped++
		}
	}
	finished := q.CompletedAt
	if finished == "" {
		finished = "In progress"
	}
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **Started**: %s\n", q.CreatedAt)
	fmt.Fprintf(&b, "- **Completed**: %s\n", finished)
	fmt.Fprintf(&b, "- **Duration**: %s\n", e.questDuration(q))
	fmt.Fprintf(&b, "- **Total Tasks**: %d\n", total)
	fmt.Fprintf(&b, "- **Completed Tasks**: %d\n", completed)
	fmt.Fprintf(&b, "- **Skipped Tasks**: %d\n\n", skipped)

	b.WriteString("## Phase Progression\n\n")
	for _, p := range domain.PhaseOrder {
		ph := q.Phases.Get(p)
		icon := phaseIcons[ph.Status]
		if icon == "" {
			icon = "❔"
		}
		fmt.Fprintf(&b, "%s **%s**: %s\n", icon, titleCase(string(p)), ph.Status)
	}
	b.WriteString("\n")

	if len(reports) > 0 {
		b.WriteString("## Agent Reports\n\n")
		var order []domain.AgentType
		grouped := map[domain.AgentType][]LoadedReport{}
		for _, r := range reports {
			if _, ok := grouped[r.Report.AgentType]; !ok {
				order = append(order, r.Report.AgentType)
			}
			grouped[r.Report.AgentType] = append(grouped[r.Report.AgentType], r)
		}
		for _, agent := range order {
			fmt.Fprintf(&b, "### %s\n\n", titleCase(string(agent)))
			for _, r := range grouped[agent] {
				fmt.Fprintf(&b, "- %s: %s\n", r.File.Name, reportDigest(r.Report))
				for _, n := range r.Report.Notes() {
					fmt.Fprintf(&b, "  - %s\n", n.Note)
				}
			}
			b.WriteString("\n")
		}
	}

	if len(q.ExecutionLog) > 0 {
		b.WriteString("## Execution Timeline\n\n")
		for _, entry := range q.ExecutionLog {
			line := fmt.Sprintf("- %s **%s** - %s", entry.Timestamp, entry.AgentType, entry.Report)
			if entry.TaskID != "" {
				line += fmt.Sprintf(" [Task: %s]", entry.TaskID)
			}
			if entry.IsRecovery {
				line += " (recovery)"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if len(q.RefinementRequests) > 0 {
		b.WriteString("## Refinement Requests\n\n")
		for _, r := range q.RefinementRequests {
			fmt.Fprintf(&b, "- **%s**: %s (suggestion: %s)\n", r.FromAgent, r.Finding, r.Suggestion)
		}
		b.WriteString("\n")
	}

	if len(q.RecoveryHistory) > 0 {
		b.WriteString("## Recovery Attempts\n\n")
		for _, r := range q.RecoveryHistory {
			fmt.Fprintf(&b, "- %s (attempt %d): %s\n", r.AgentType, r.AttemptNumber, r.FailureReason)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func reportDigest(r domain.AgentReport) string {
	if r.Escape != nil {
		return "Escaped: " + r.Escape.Reason
	}
	switch r.AgentType {
	case domain.AgentPathseeker:
		if p, err := r.Pathseeker(); err == nil {
			return fmt.Sprintf("Generated %d tasks", len(p.Tasks))
		}
	case domain.AgentCodeweaver:
		if c, err := r.Codeweaver(); err == nil {
			return fmt.Sprintf("Created %d files, Modified %d files", len(c.FilesCreated), len(c.FilesModified))
		}
	case domain.AgentSpiritmender:
		if s, err := r.Spiritmender(); err == nil {
			return fmt.Sprintf("Repair attempt %d, Modified %d files", s.AttemptNumber, len(s.FilesModified))
		}
	}
	if r.Status != "" {
		return "Status: " + string(r.Status)
	}
	return "Report recorded"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (e Engine) questDuration(q domain.Quest) string {
	start, err := time.Parse(time.RFC3339, q.CreatedAt)
	if err != nil {
		return "0s"
	}
	end := e.now()
	if q.CompletedAt != "" {
		if t, err := time.Parse(time.RFC3339, q.CompletedAt); err == nil {
			end = t
		}
	}
	return formatDuration(end.Sub(start))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60
	seconds := secs % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// SaveRetrospective writes the retrospective into the retros area and appends
// its row to the retrospective index. It returns the file name.
func (e Engine) SaveRetrospective(ctx context.Context, folder, content string) (string, error) {
	q, err := e.GetQuest(folder)
	if err != nil {
		return "", err
	}
	filename := fmt.Sprintf("%s-retrospective-%s.md", folder, e.now().UTC().Format("2006-01-02"))
	if err := e.Repo.WriteText(filepath.Join(e.Repo.RetrosDir(), filename), content); err != nil {
		return "", err
	}
	indexPath := filepath.Join(e.Repo.RetrosDir(), retroIndexFile)
	index := []domain.RetroIndexEntry{}
	if err := e.Repo.ReadJSON(indexPath, &index); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	completed := 0
	for _, t := range q.Tasks {
		if t.Status == domain.TaskComplete {
			completed++
		}
	}
	index = append(index, domain.RetroIndexEntry{
		QuestID:        q.ID,
		QuestTitle:     q.Title,
		Filename:       filename,
		TasksTotal:     len(q.Tasks),
		TasksCompleted: completed,
		Duration:       e.questDuration(q),
	})
	if err := e.Repo.WriteJSON(indexPath, index); err != nil {
		return "", err
	}
	e.journal(ctx, events.RetroSaved, folder, "quest", q.ID, events.EventPayload{"file": filename})
	return filename, nil
}
