package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"questmaestro/internal/config"
	"questmaestro/internal/domain"
	"questmaestro/internal/logging"
	"questmaestro/internal/repo"
)

const reportReadMaxElapsed = 10 * time.Second

// GuideFunc asks a human how to unblock an agent.
type GuideFunc func(ctx context.Context, agentType domain.AgentType, reason string) (string, error)

// RecoveryLog persists crash recovery attempts on the quest.
type RecoveryLog interface {
	LoadQuest(folder string) (domain.Quest, error)
	RecordRecovery(ctx context.Context, folder string, entry domain.RecoveryEntry) (domain.Quest, error)
}

// ClaudeSpawner runs agents through the Claude CLI and waits for the report
// file the agent writes into the quest folder.
type ClaudeSpawner struct {
	Repo   repo.Repo
	Config *config.Config
	Log    *zap.Logger
	// Guide is consulted when an agent reports itself blocked; without it the
	// blocked report is returned as is.
	Guide GuideFunc
	// Recovery tracks crash respawns. Without it an agent that exits without
	// a report fails with ErrNoReport.
	Recovery RecoveryLog
	// Command builds the process; tests substitute it.
	Command func(ctx context.Context, name string, args ...string) *exec.Cmd

	// assessing is set on the spawner that runs a recovery assessment, so a
	// crashing assessment is not itself recovered.
	assessing bool
}

func (s ClaudeSpawner) log() *zap.Logger { return logging.OrNop(s.Log) }

func (s ClaudeSpawner) config() *config.Config {
	if s.Config == nil {
		return config.Default()
	}
	return s.Config
}

func (s ClaudeSpawner) maxRecoveryAttempts() int {
	if n := s.config().Agents.MaxRecoveryAttempts; n > 0 {
		return n
	}
	return 3
}

// ReportPath is where agentType writes its report for c.
func (s ClaudeSpawner) ReportPath(agentType domain.AgentType, c Context) string {
	if c.ReportPath != "" {
		return c.ReportPath
	}
	return filepath.Join(s.Repo.QuestDir(repo.StateActive, c.QuestFolder), repo.ReportFileName(c.ReportNumber, agentType))
}

// crashError is an agent exit without a report. It matches ErrNoReport.
type crashError struct {
	agent domain.AgentType
	exit  error
}

func (e *crashError) Error() string { return fmt.Sprintf("%s: %s", e.agent, ErrNoReport) }
func (e *crashError) Unwrap() error { return ErrNoReport }

func (s ClaudeSpawner) SpawnAndWait(ctx context.Context, agentType domain.AgentType, c Context) (domain.AgentReport, error) {
	report, err := s.run(ctx, agentType, c)
	var crash *crashError
	if errors.As(err, &crash) {
		s.log().Warn("agent exited without report", zap.String("agent", string(agentType)), zap.NamedError("exit", crash.exit))
		return s.recoverCrash(ctx, agentType, c, crash.exit)
	}
	if err != nil {
		return domain.AgentReport{}, err
	}
	report.Number = c.ReportNumber
	report.Recovered = c.RecoveryMode
	s.log().Info("agent complete", zap.String("agent", string(agentType)), zap.String("status", string(report.Status)))

	if report.Status == domain.AgentStatusBlocked && s.Guide != nil {
		return s.continueBlocked(ctx, agentType, c, report.BlockReason)
	}
	return report, nil
}

// run starts the agent and waits for its report. An exit without a report
// yields a *crashError.
func (s ClaudeSpawner) run(ctx context.Context, agentType domain.AgentType, c Context) (domain.AgentReport, error) {
	cfg := s.config()
	template, err := LoadPrompt(cfg.Agents.PromptsDir, agentType)
	if err != nil {
		return domain.AgentReport{}, err
	}
	prompt := RenderPrompt(template, agentType, c)
	reportPath := s.ReportPath(agentType, c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.AgentReport{}, fmt.Errorf("watch reports: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(reportPath)); err != nil {
		return domain.AgentReport{}, fmt.Errorf("watch %s: %w", filepath.Dir(reportPath), err)
	}

	command := s.Command
	if command == nil {
		command = exec.CommandContext
	}
	cmd := command(ctx, cfg.AgentBinary(), prompt)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if c.WorkingDirectory != "" {
		cmd.Dir = c.WorkingDirectory
	}
	s.log().Info("spawning agent", zap.String("agent", string(agentType)), zap.String("quest", c.QuestFolder), zap.String("report", c.ReportNumber))
	if err := cmd.Start(); err != nil {
		return domain.AgentReport{}, fmt.Errorf("failed to spawn %s: %w", agentType, err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	stop := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}

	timeout := time.NewTimer(cfg.ReportTimeout())
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			stop()
			return domain.AgentReport{}, ctx.Err()
		case <-timeout.C:
			stop()
			return domain.AgentReport{}, fmt.Errorf("%s timed out after %s", agentType, cfg.ReportTimeout())
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(reportPath) || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			report, err := readReport(ctx, reportPath)
			stop()
			return report, err
		case werr, ok := <-watcher.Errors:
			if ok {
				s.log().Warn("report watcher error", zap.Error(werr))
			}
		case waitErr := <-exited:
			if _, statErr := os.Stat(reportPath); statErr != nil {
				return domain.AgentReport{}, &crashError{agent: agentType, exit: waitErr}
			}
			return readReport(ctx, reportPath)
		}
	}
}

// continueBlocked collects guidance and respawns the agent under the next
// report number.
func (s ClaudeSpawner) continueBlocked(ctx context.Context, agentType domain.AgentType, c Context, reason string) (domain.AgentReport, error) {
	guidance, err := s.Guide(ctx, agentType, reason)
	if err != nil {
		return domain.AgentReport{}, err
	}
	cont, err := advance(c)
	if err != nil {
		return domain.AgentReport{}, err
	}
	cont.PreviousReportNumber = c.ReportNumber
	cont.UserGuidance = guidance
	cont.AdditionalContext = c.cloneExtra()
	cont.AdditionalContext["blockReason"] = reason
	s.log().Info("continuing blocked agent", zap.String("agent", string(agentType)), zap.String("report", cont.ReportNumber))
	return s.SpawnAndWait(ctx, agentType, cont)
}

// advance moves c to the next report slot. Numbered reports take the next
// number; an explicit report path gets a suffix instead.
func advance(c Context) (Context, error) {
	next := c
	if c.ReportPath != "" {
		next.ReportPath = strings.TrimSuffix(c.ReportPath, "-report.json") + "-continued-report.json"
		return next, nil
	}
	n, err := NextNumber(c.ReportNumber)
	if err != nil {
		return Context{}, err
	}
	next.ReportNumber = n
	return next, nil
}

// recoverCrash handles an agent that exited without writing its report.
// Pathseeker first assesses what the crashed agent left behind; the agent is
// then respawned to continue or restart. A failed assessment falls back to a
// plain respawn. Each crash counts against the agent's per-task budget.
func (s ClaudeSpawner) recoverCrash(ctx context.Context, agentType domain.AgentType, c Context, exitErr error) (domain.AgentReport, error) {
	if s.Recovery == nil || s.assessing {
		return domain.AgentReport{}, fmt.Errorf("%s: %w", agentType, ErrNoReport)
	}
	if agentType == domain.AgentVoidpoker {
		if c.RecoveryMode {
			return domain.AgentReport{}, fmt.Errorf("%s: %w", agentType, ErrNoReport)
		}
		retry := c
		retry.RecoveryMode = true
		s.log().Info("respawning voidpoker", zap.String("report", s.ReportPath(agentType, c)))
		return s.SpawnAndWait(ctx, agentType, retry)
	}

	taskID := c.TaskID()
	q, err := s.Recovery.LoadQuest(c.QuestFolder)
	if err != nil {
		return domain.AgentReport{}, err
	}
	attempts := q.CrashRecoveries(agentType, taskID)
	if limit := s.maxRecoveryAttempts(); attempts >= limit {
		return domain.AgentReport{}, fmt.Errorf("%w (%d) for %s on task %s", ErrRecoveryExhausted, limit, agentType, taskLabel(taskID))
	}
	reason := "exited without report"
	if exitErr != nil {
		reason += ": " + exitErr.Error()
	}
	if _, err := s.Recovery.RecordRecovery(ctx, c.QuestFolder, domain.RecoveryEntry{
		Kind:                 domain.RecoveryCrash,
		AgentType:            agentType,
		TaskID:               taskID,
		AttemptNumber:        attempts + 1,
		FailureReason:        reason,
		PreviousReportNumber: c.ReportNumber,
	}); err != nil {
		return domain.AgentReport{}, err
	}

	assess, err := advance(c)
	if err != nil {
		return domain.AgentReport{}, err
	}
	assess.Mode = ModeRecoveryAssessment
	assess.PreviousReportNumber, assess.UserGuidance = "", ""
	assess.RecoveryMode, assess.PreviousReportNumbers = false, nil
	assess.AdditionalContext = map[string]any{
		"crashedAgent":      agentType,
		"originalTask":      c.AdditionalContext["task"],
		"originalContext":   c.AdditionalContext,
		"crashReportNumber": c.ReportNumber,
	}
	retry, err := advance(assess)
	if err != nil {
		return domain.AgentReport{}, err
	}
	retry.Mode = c.Mode
	retry.RecoveryMode = true
	retry.PreviousReportNumbers = []string{c.ReportNumber, assess.ReportNumber}
	retry.AdditionalContext = c.cloneExtra()

	assessor := s
	assessor.assessing = true
	s.log().Info("assessing crashed agent", zap.String("agent", string(agentType)), zap.String("task", taskID), zap.Int("attempt", attempts+1))
	assessment, err := assessor.assess(ctx, assess)
	switch {
	case ctx.Err() != nil:
		return domain.AgentReport{}, ctx.Err()
	case err != nil:
		s.log().Error("recovery assessment failed", zap.String("agent", string(agentType)), zap.Error(err))
		retry.PreviousReportNumbers = []string{c.ReportNumber}
		retry.AdditionalContext["instruction"] = "The previous agent exited unexpectedly. Continue the task."
	case assessment.Recommendation == domain.RecoverContinue:
		retry.AdditionalContext["recoveryAssessment"] = assessment
		retry.AdditionalContext["instruction"] = "Continue the task from where the previous agent left off."
	case assessment.Recommendation == domain.RecoverRestart:
		retry.AdditionalContext["recoveryAssessment"] = assessment
		retry.AdditionalContext["instruction"] = "Restart the task from the beginning."
	default:
		return domain.AgentReport{}, fmt.Errorf("%s: %w: %s", agentType, ErrManualIntervention, assessment.Reason)
	}
	s.log().Info("respawning crashed agent", zap.String("agent", string(agentType)), zap.String("report", retry.ReportNumber))
	return s.SpawnAndWait(ctx, agentType, retry)
}

// assess runs pathseeker in recovery assessment mode.
func (s ClaudeSpawner) assess(ctx context.Context, c Context) (domain.RecoveryAssessment, error) {
	report, err := s.SpawnAndWait(ctx, domain.AgentPathseeker, c)
	if err != nil {
		return domain.RecoveryAssessment{}, err
	}
	ps, err := report.Pathseeker()
	if err != nil {
		return domain.RecoveryAssessment{}, err
	}
	if ps.RecoveryAssessment == nil {
		return domain.RecoveryAssessment{}, errors.New("pathseeker report has no recovery assessment")
	}
	return *ps.RecoveryAssessment, nil
}

func taskLabel(id string) string {
	if id == "" {
		return "(none)"
	}
	return id
}

// readReport parses a report file, retrying while the agent may still be
// writing it.
func readReport(ctx context.Context, path string) (domain.AgentReport, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = reportReadMaxElapsed

	var report domain.AgentReport
	err := backoff.Retry(func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return err
			}
			return backoff.Permanent(err)
		}
		var rep domain.AgentReport
		if err := json.Unmarshal(data, &rep); err != nil {
			return err
		}
		report = rep
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return domain.AgentReport{}, fmt.Errorf("failed to parse report %s: %w", filepath.Base(path), err)
	}
	return report, nil
}
