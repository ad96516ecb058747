package phase

import (
	"context"

	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
)

// Discovery plans the quest with pathseeker. A quest without tasks is planned
// from scratch; otherwise pathseeker validates the existing plan and may
// reconcile it.
func Discovery(e engine.Engine) Runner {
	return Runner{
		Phase:        domain.PhaseDiscovery,
		Agent:        domain.AgentPathseeker,
		Engine:       e,
		buildContext: discoveryContext,
		process:      processDiscovery,
	}
}

func discoveryContext(_ Runner, q domain.Quest) (map[string]any, error) {
	if len(q.Tasks) == 0 {
		return map[string]any{
			"mode":        agent.ModeCreation,
			"questTitle":  q.Title,
			"userRequest": q.UserRequest,
			"quest":       q,
		}, nil
	}
	return map[string]any{
		"mode":          agent.ModeValidation,
		"questTitle":    q.Title,
		"existingTasks": q.Tasks,
		"quest":         q,
	}, nil
}

func processDiscovery(ctx context.Context, r Runner, q domain.Quest, report domain.AgentReport) error {
	rep, err := report.Pathseeker()
	if err != nil {
		return err
	}
	creation := len(q.Tasks) == 0
	switch {
	case !creation && rep.ReconciliationPlan != nil:
		r.log().Info("applying reconciliation", zap.String("quest", q.Folder), zap.String("mode", string(rep.ReconciliationPlan.Mode)))
		if _, err := r.Engine.ApplyReconciliation(ctx, q.Folder, *rep.ReconciliationPlan); err != nil {
			return err
		}
	default:
		if _, err := r.Engine.AddTasks(ctx, q.Folder, rep.Tasks); err != nil {
			return err
		}
	}
	if creation {
		if _, err := r.Engine.AddObservableActions(ctx, q.Folder, rep.ObservableActions); err != nil {
			return err
		}
	}
	if q.NeedsRefinement {
		fresh, err := r.Engine.LoadQuest(q.Folder)
		if err != nil {
			return err
		}
		fresh.NeedsRefinement = false
		return r.Engine.SaveQuest(ctx, &fresh)
	}
	return nil
}
