package verify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"questmaestro/internal/config"
	"questmaestro/internal/domain"
	"questmaestro/internal/logging"
	"questmaestro/internal/repo"
)

// Result is the verification report for one quest.
type Result struct {
	QuestID string  `json:"questId"`
	Folder  string  `json:"folder"`
	Success bool    `json:"success"`
	Checks  []Check `json:"checks"`
}

// Verifier runs the checks against a quest found by id in a workspace.
type Verifier struct {
	Config *config.Config
	Log    *zap.Logger
}

// Verify locates the active quest with questID under startPath and checks its
// specification. A missing quest is an error; failed checks are not.
func (v Verifier) Verify(ctx context.Context, startPath, questID string) (Result, error) {
	cfg := v.Config
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{Root: cfg.RootDir(startPath)}
	q, err := findByID(r, questID)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	checks := Checks(q, Options{ContractFolders: cfg.Verify.ContractFolders})
	res := Result{QuestID: q.ID, Folder: q.Folder, Success: Passed(checks), Checks: checks}
	logging.OrNop(v.Log).Debug("quest verified",
		zap.String("quest", q.Folder),
		zap.Bool("success", res.Success))
	return res, nil
}

func findByID(r repo.Repo, questID string) (domain.Quest, error) {
	folders, err := r.ListQuestFolders(repo.StateActive)
	if err != nil {
		return domain.Quest{}, err
	}
	for _, f := range folders {
		var q domain.Quest
		if err := r.ReadJSON(r.QuestFile(repo.StateActive, f), &q); err != nil {
			continue
		}
		if q.ID == questID {
			return q, nil
		}
	}
	return domain.Quest{}, fmt.Errorf("quest %s: %w", questID, repo.ErrNotFound)
}
