package ward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/logging"
	"questmaestro/internal/repo"
)

// ErrBlocked reports that repair attempts ran out and the quest is blocked.
var ErrBlocked = errors.New("quest blocked by ward failures")

const (
	globalTaskID     = "global"
	unresolvedFile   = "ward-errors-unresolved.txt"
	entrySeparatorLn = 80
)

// EscapeError reports that spiritmender gave up on the plan while repairing
// a ward failure.
type EscapeError struct {
	ReportNumber string
	Escape       domain.Escape
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("spiritmender escaped in report %s: %s", e.ReportNumber, e.Escape.Reason)
}

// Result is the outcome of one ward run.
type Result struct {
	Success bool
	Errors  string
}

// Validator runs the project's ward command and, when it fails, sends
// spiritmender to repair the damage.
type Validator struct {
	Engine  engine.Engine
	Spawner agent.Spawner
	Log     *zap.Logger
	// Command overrides the configured ward command.
	Command string
	// Dir is where the ward command and spiritmender run; defaults to the
	// process cwd.
	Dir string
	// Exec runs the ward command; tests substitute it.
	Exec func(ctx context.Context, command string) ([]byte, error)
}

func (v Validator) log() *zap.Logger { return logging.OrNop(v.Log) }

func (v Validator) timestamp() string {
	now := time.Now
	if v.Engine.Now != nil {
		now = v.Engine.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (v Validator) command() string {
	if cmd := strings.TrimSpace(v.Command); cmd != "" {
		return cmd
	}
	if v.Engine.Config == nil {
		return ""
	}
	return strings.TrimSpace(v.Engine.Config.Ward.Command)
}

func (v Validator) maxAttempts() int {
	if v.Engine.Config == nil || v.Engine.Config.Ward.MaxAttempts <= 0 {
		return 3
	}
	return v.Engine.Config.Ward.MaxAttempts
}

// Enabled reports whether a ward command is configured.
func (v Validator) Enabled() bool { return v.command() != "" }

// Validate runs the ward command once. An unconfigured ward always passes.
func (v Validator) Validate(ctx context.Context) Result {
	cmd := v.command()
	if cmd == "" {
		return Result{Success: true}
	}
	v.log().Info("running ward validation", zap.String("command", cmd))
	run := v.Exec
	if run == nil {
		run = v.shell
	}
	out, err := run(ctx, cmd)
	if err == nil {
		return Result{Success: true}
	}
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = err.Error()
	}
	v.log().Warn("ward failed", zap.String("errors", firstLine(msg)))
	return Result{Success: false, Errors: msg}
}

func (v Validator) shell(ctx context.Context, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = v.workingDir()
	return cmd.CombinedOutput()
}

// HandleFailure spawns spiritmender until the ward passes or the attempt
// budget for taskID is spent, in which case the quest is blocked.
func (v Validator) HandleFailure(ctx context.Context, folder, errs, taskID string) error {
	if taskID == "" {
		taskID = globalTaskID
	}
	limit := v.maxAttempts()
	for {
		q, err := v.Engine.LoadQuest(folder)
		if err != nil {
			return err
		}
		previous := previousErrors(q, taskID)
		attempt := len(previous) + 1
		if attempt > limit {
			return v.block(ctx, folder, errs, fmt.Sprintf("max spiritmender attempts (%d) reached for task %s", limit, taskID))
		}
		v.recordUnresolved(folder, errs, taskID, attempt)

		number, err := v.Engine.NextReportNumber(folder)
		if err != nil {
			return err
		}
		v.log().Info("spawning spiritmender", zap.String("quest", folder), zap.Int("attempt", attempt), zap.Int("max", limit))
		report, err := v.Spawner.SpawnAndWait(ctx, domain.AgentSpiritmender, agent.Context{
			QuestFolder:      folder,
			ReportNumber:     number,
			WorkingDirectory: v.workingDir(),
			AdditionalContext: map[string]any{
				"questTitle":      q.Title,
				"errors":          errs,
				"attemptNumber":   attempt,
				"previousErrors":  previous,
				"attemptStrategy": AttemptStrategy(attempt),
				"taskId":          taskID,
			},
		})
		if err != nil {
			return err
		}

		number = report.NumberOr(number)
		if _, err := v.Engine.RecordRecovery(ctx, folder, domain.RecoveryEntry{
			Timestamp:            v.timestamp(),
			Kind:                 domain.RecoveryWard,
			AgentType:            domain.AgentSpiritmender,
			TaskID:               taskID,
			AttemptNumber:        attempt,
			FailureReason:        errs,
			PreviousReportNumber: number,
		}); err != nil {
			return err
		}
		if report.Escape != nil {
			v.log().Warn("spiritmender escaped", zap.String("quest", folder), zap.String("report", number), zap.String("reason", report.Escape.Reason))
			return &EscapeError{ReportNumber: number, Escape: *report.Escape}
		}
		if report.Status == domain.AgentStatusBlocked || report.Status == domain.AgentStatusError {
			v.log().Warn("spiritmender did not complete", zap.String("quest", folder), zap.String("report", number),
				zap.String("status", string(report.Status)), zap.String("reason", report.BlockReason))
		}

		res := v.Validate(ctx)
		if res.Success {
			v.clearUnresolved(folder, taskID)
			v.log().Info("ward passed after spiritmender", zap.String("quest", folder), zap.Int("attempt", attempt))
			return nil
		}
		if attempt >= limit {
			return v.block(ctx, folder, res.Errors, fmt.Sprintf("spiritmender failed after %d attempts", limit))
		}
		errs = res.Errors
	}
}

// previousErrors lists the failures already handed to spiritmender for taskID.
func previousErrors(q domain.Quest, taskID string) []string {
	prev := []string{}
	for _, r := range q.RecoveryHistory {
		if r.Kind != domain.RecoveryCrash && r.AgentType == domain.AgentSpiritmender && r.TaskID == taskID {
			prev = append(prev, r.FailureReason)
		}
	}
	return prev
}

func (v Validator) block(ctx context.Context, folder, errs, reason string) error {
	q, err := v.Engine.LoadQuest(folder)
	if err != nil {
		return err
	}
	q.Status = domain.QuestBlocked
	q.BlockingErrors = append(q.BlockingErrors, errs)
	if err := v.Engine.SaveQuest(ctx, &q); err != nil {
		return err
	}
	v.log().Error("quest blocked", zap.String("quest", folder), zap.String("reason", reason))
	return fmt.Errorf("%w: %s", ErrBlocked, reason)
}

// AttemptStrategy tells spiritmender how aggressive attempt n should be.
func AttemptStrategy(n int) string {
	switch n {
	case 1:
		return "basic_fixes: Focus on imports, syntax errors, and basic type issues"
	case 2:
		return "deeper_analysis: Analyze logic errors, test expectations, and component interactions"
	case 3:
		return "last_resort: Consider refactoring approach and questioning assumptions"
	}
	return "basic_fixes: Focus on fundamental issues"
}

func (v Validator) unresolvedPath(folder string) string {
	return filepath.Join(v.Engine.Repo.QuestDir(repo.StateActive, folder), unresolvedFile)
}

// recordUnresolved appends the failure to the quest's unresolved ward log.
func (v Validator) recordUnresolved(folder, errs, taskID string, attempt int) {
	entry := fmt.Sprintf("[%s] [attempt-%d] [task-%s] %s\n%s\n",
		v.timestamp(), attempt, taskID, errs, strings.Repeat("=", entrySeparatorLn))
	f, err := os.OpenFile(v.unresolvedPath(folder), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		v.log().Warn("save ward errors failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		v.log().Warn("save ward errors failed", zap.Error(err))
	}
}

// clearUnresolved drops taskID's entries from the unresolved ward log.
func (v Validator) clearUnresolved(folder, taskID string) {
	path := v.unresolvedPath(folder)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	marker := "[task-" + taskID + "]"
	sep := strings.Repeat("=", entrySeparatorLn)
	var kept []string
	skipping := false
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, marker) {
			skipping = true
			continue
		}
		if skipping {
			if strings.HasPrefix(line, sep) {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}
	if err := v.Engine.Repo.WriteText(path, strings.Join(kept, "\n")); err != nil {
		v.log().Warn("clean ward errors failed", zap.Error(err))
	}
}

func (v Validator) workingDir() string {
	if v.Dir != "" {
		return v.Dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
