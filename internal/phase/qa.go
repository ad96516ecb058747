package phase

import (
	"go.uber.org/zap"

	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/project"
)

// Testing sends siegemaster over the files codeweaver created. It needs at
// least one completed implementation task; its report is informational.
func Testing(e engine.Engine) Runner {
	return Runner{
		Phase:  domain.PhaseTesting,
		Agent:  domain.AgentSiegemaster,
		Engine: e,
		gate: func(_ Runner, q domain.Quest) bool {
			for _, t := range q.Tasks {
				if t.Type == domain.TaskTypeImplementation && t.Status == domain.TaskComplete {
					return true
				}
			}
			return false
		},
		buildContext: func(r Runner, q domain.Quest) (map[string]any, error) {
			created, err := r.Engine.GetCreatedFiles(q.Folder)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"questTitle":        q.Title,
				"filesCreated":      created,
				"testFramework":     r.testFramework(),
				"observableActions": q.ObservableActions,
			}, nil
		},
	}
}

// testFramework prefers the configured framework and otherwise detects it
// from the working directory's package.json.
func (r Runner) testFramework() string {
	if r.Engine.Config != nil && r.Engine.Config.Testing.Framework != "" {
		return r.Engine.Config.Testing.Framework
	}
	return project.TestFramework(r.workingDir())
}

// Review sends lawbringer over every changed file. Nothing to review means
// nothing to run.
func Review(e engine.Engine) Runner {
	return Runner{
		Phase:  domain.PhaseReview,
		Agent:  domain.AgentLawbringer,
		Engine: e,
		gate: func(r Runner, q domain.Quest) bool {
			changed, err := r.Engine.GetChangedFiles(q.Folder)
			if err != nil {
				r.log().Warn("list changed files failed", zap.String("quest", q.Folder), zap.Error(err))
				return false
			}
			return len(changed) > 0
		},
		buildContext: func(r Runner, q domain.Quest) (map[string]any, error) {
			changed, err := r.Engine.GetChangedFiles(q.Folder)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"questTitle":   q.Title,
				"changedFiles": changed,
			}, nil
		},
	}
}
