package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/logging"
	"questmaestro/internal/phase"
)

var (
	ErrNoRunnablePhase = errors.New("all phases are done but the quest is not complete")
	ErrQuestBlocked    = errors.New("quest is blocked")
)

// Outcome is how a RunQuest call ended when it did not fail.
type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeCancelled Outcome = "cancelled"
)

// Prompter asks the user a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, question string) (bool, error)

func (f PrompterFunc) Confirm(ctx context.Context, question string) (bool, error) {
	return f(ctx, question)
}

// Orchestrator drives a quest through its phases until it completes.
type Orchestrator struct {
	Engine  engine.Engine
	Spawner agent.Spawner
	Ward    phase.Ward
	// Prompter confirms stale and blocked quests; without one both are declined.
	Prompter Prompter
	Log      *zap.Logger
	// Runners overrides the default runner per phase.
	Runners map[domain.PhaseType]phase.PhaseRunner
}

func (o Orchestrator) log() *zap.Logger { return logging.OrNop(o.Log) }

func (o Orchestrator) runner(p domain.PhaseType) (phase.PhaseRunner, bool) {
	if r, ok := o.Runners[p]; ok {
		return r, true
	}
	return phase.ForPhase(p, o.Engine, o.Ward)
}

func (o Orchestrator) confirm(ctx context.Context, question string) (bool, error) {
	if o.Prompter == nil {
		return false, nil
	}
	return o.Prompter.Confirm(ctx, question)
}

// RunQuest runs phases in order until the quest is complete. An escaping agent
// sends the quest back through discovery. Any other error is returned with the
// quest left where it stopped, so calling RunQuest again resumes it.
func (o Orchestrator) RunQuest(ctx context.Context, q domain.Quest) (Outcome, error) {
	folder := q.Folder
	o.log().Info("running quest", zap.String("quest", folder), zap.String("title", q.Title))

	if fresh := o.Engine.ValidateQuestFreshness(q); fresh.IsStale {
		o.log().Warn(fresh.Message, zap.String("quest", folder))
		ok, err := o.confirm(ctx, fresh.Message+". The codebase may have changed since. Continue anyway?")
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeCancelled, nil
		}
	}

	if q.Status == domain.QuestBlocked {
		ok, err := o.confirm(ctx, "Quest is blocked. Resume quest?")
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeCancelled, nil
		}
		if _, err := o.Engine.UpdateQuestStatus(ctx, folder, domain.QuestInProgress); err != nil {
			return "", err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		q, err := o.Engine.LoadQuest(folder)
		if err != nil {
			return "", err
		}
		if engine.IsQuestComplete(q) {
			if err := o.complete(ctx, q); err != nil {
				return "", err
			}
			return OutcomeComplete, nil
		}
		p, ok := engine.GetCurrentPhase(q)
		if !ok {
			return "", fmt.Errorf("quest %s: %w", folder, ErrNoRunnablePhase)
		}
		o.log().Info("current phase", zap.String("quest", folder), zap.String("phase", string(p)))
		if err := o.executePhase(ctx, q, p); err != nil {
			var esc *phase.EscapeHatchError
			if !errors.As(err, &esc) {
				return "", err
			}
			if err := o.refine(ctx, folder, esc); err != nil {
				return "", err
			}
		}
	}
}

func (o Orchestrator) executePhase(ctx context.Context, q domain.Quest, p domain.PhaseType) error {
	r, ok := o.runner(p)
	if !ok {
		return fmt.Errorf("no runner for phase %q", p)
	}
	switch q.Phases.Get(p).Status {
	case domain.PhaseBlocked:
		if _, err := o.Engine.UpdateQuestStatus(ctx, q.Folder, domain.QuestBlocked); err != nil {
			return err
		}
		return fmt.Errorf("quest %s phase %s: %w", q.Folder, p, ErrQuestBlocked)
	case domain.PhaseInProgress:
		o.log().Info("resuming interrupted phase", zap.String("quest", q.Folder), zap.String("phase", string(p)))
		var err error
		if q, err = o.Engine.UpdatePhaseStatus(ctx, q.Folder, p, domain.PhasePending, ""); err != nil {
			return err
		}
	}
	if !r.CanRun(q) {
		o.log().Info("skipping phase", zap.String("quest", q.Folder), zap.String("phase", string(p)))
		_, err := o.Engine.UpdatePhaseStatus(ctx, q.Folder, p, domain.PhaseSkipped, "")
		return err
	}
	return r.Run(ctx, q, o.Spawner)
}

// refine records the escape as a refinement request and reopens discovery.
func (o Orchestrator) refine(ctx context.Context, folder string, esc *phase.EscapeHatchError) error {
	o.log().Warn("agent requested refinement",
		zap.String("quest", folder),
		zap.String("agent", string(esc.Agent)),
		zap.String("reason", esc.Escape.Reason),
		zap.String("finding", esc.Escape.Analysis),
		zap.String("suggestion", esc.Escape.Recommendation))
	q, err := o.Engine.LoadQuest(folder)
	if err != nil {
		return err
	}
	q.RefinementRequests = append(q.RefinementRequests, domain.RefinementRequest{
		FromAgent:    esc.Agent,
		Timestamp:    o.now().UTC().Format(time.RFC3339),
		Finding:      esc.Escape.Analysis,
		Suggestion:   esc.Escape.Recommendation,
		ReportNumber: esc.ReportNumber,
	})
	q.Phases.Discovery.Status = domain.PhasePending
	q.NeedsRefinement = true
	return o.Engine.SaveQuest(ctx, &q)
}

func (o Orchestrator) now() time.Time {
	if o.Engine.Now != nil {
		return o.Engine.Now()
	}
	return time.Now()
}

func (o Orchestrator) complete(ctx context.Context, q domain.Quest) error {
	retro, err := o.Engine.GenerateRetrospective(q.Folder)
	if err != nil {
		return err
	}
	file, err := o.Engine.SaveRetrospective(ctx, q.Folder, retro)
	if err != nil {
		return err
	}
	if _, err := o.Engine.CompleteQuest(ctx, q.Folder); err != nil {
		return err
	}
	o.log().Info("quest complete", zap.String("quest", q.Folder), zap.String("retrospective", file))
	return nil
}
