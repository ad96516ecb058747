package pathseeker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"questmaestro/internal/events"
	"questmaestro/internal/logging"
	"questmaestro/internal/verify"
)

const DefaultMaxAttempts = 3

// DefaultPrompt is used when no pathseeker prompt template is configured.
const DefaultPrompt = "You are pathseeker. Map the quest into verifiable steps and write them back to the quest.\n\n$ARGUMENTS\n"

// Verifier checks a quest by id.
type Verifier interface {
	Verify(ctx context.Context, startPath, questID string) (verify.Result, error)
}

// Spawner starts a replacement agent process.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (KillableProcess, error)
}

// ProcessUpdate announces the process now running for a pipeline.
type ProcessUpdate struct {
	ProcessID string
	Process   KillableProcess
}

// Params describe one supervised pathseeker run.
type Params struct {
	ProcessID       string
	QuestID         string
	StartPath       string
	Process         KillableProcess
	Attempt         int
	OnVerifySuccess func()
	OnProcessUpdate func(ProcessUpdate)
}

// Pipeline supervises pathseeker: after each process exits the quest is
// verified, and a failing quest gets a fresh pathseeker run until the attempt
// budget is spent.
type Pipeline struct {
	Verifier       Verifier
	Spawner        Spawner
	PromptTemplate string
	MaxAttempts    int
	Journal        events.Writer
	Log            *zap.Logger
}

func (p Pipeline) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Run blocks until verification passes, the budget is spent or ctx ends.
// Running out of attempts is not an error; the last verification stands.
func (p Pipeline) Run(ctx context.Context, in Params) error {
	log := logging.OrNop(p.Log).With(zap.String("process", in.ProcessID), zap.String("quest_id", in.QuestID))
	proc, attempt := in.Process, in.Attempt
	for {
		if err := proc.WaitForExit(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Info("pathseeker exited", zap.Int("attempt", attempt), zap.NamedError("exit", err))
		}
		res, err := p.Verifier.Verify(ctx, in.StartPath, in.QuestID)
		if err != nil {
			return fmt.Errorf("verify quest %s: %w", in.QuestID, err)
		}
		failed := FailedChecks(res.Checks)
		p.record(ctx, log, in, attempt, res, failed)
		if res.Success {
			log.Info("quest verified", zap.Int("attempt", attempt))
			if in.OnVerifySuccess != nil {
				in.OnVerifySuccess()
			}
			return nil
		}
		if attempt >= p.maxAttempts() {
			log.Warn("pathseeker attempts exhausted", zap.Int("attempt", attempt), zap.Strings("failed", checkNames(failed)))
			return nil
		}
		next, err := p.Spawner.Spawn(ctx, SpawnOptions{Prompt: Prompt(p.PromptTemplate, in.QuestID, failed)})
		if err != nil {
			return err
		}
		if in.OnProcessUpdate != nil {
			in.OnProcessUpdate(ProcessUpdate{ProcessID: in.ProcessID, Process: next})
		}
		proc, attempt = next, attempt+1
	}
}

func (p Pipeline) record(ctx context.Context, log *zap.Logger, in Params, attempt int, res verify.Result, failed []verify.Check) {
	err := p.Journal.Append(ctx, events.PipelineAttempt, res.Folder, "quest", in.QuestID, events.EventPayload{
		"processId": in.ProcessID,
		"attempt":   attempt,
		"success":   res.Success,
		"failed":    checkNames(failed),
	})
	if err != nil {
		log.Warn("journal append failed", zap.Error(err))
	}
}

// FailedChecks returns the checks that did not pass.
func FailedChecks(checks []verify.Check) []verify.Check {
	var out []verify.Check
	for _, c := range checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func checkNames(checks []verify.Check) []string {
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}
	return names
}

// Prompt renders the pathseeker prompt for questID. Failed checks from the
// previous attempt are listed so the retry can address them.
func Prompt(template, questID string, failed []verify.Check) string {
	if template == "" {
		template = DefaultPrompt
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Quest ID: %s", questID)
	if len(failed) > 0 {
		b.WriteString("\n\nThe previous attempt failed verification:")
		for _, c := range failed {
			fmt.Fprintf(&b, "\n- %s: %s", c.Name, c.Details)
		}
		b.WriteString("\nFix the quest so every check passes.")
	}
	return strings.Replace(template, "$ARGUMENTS", b.String(), 1)
}
