package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"questmaestro/internal/domain"
	"questmaestro/internal/events"
	"questmaestro/internal/repo"
)

func statusForState(s repo.State) domain.QuestStatus {
	switch s {
	case repo.StateCompleted:
		return domain.QuestComplete
	case repo.StateAbandoned:
		return domain.QuestAbandoned
	}
	return domain.QuestInProgress
}

// MoveQuest relocates a quest between storage areas, setting the status that
// matches the destination. It fails if the source is missing or the
// destination already holds the folder.
func (e Engine) MoveQuest(ctx context.Context, folder string, from, to repo.State) (domain.Quest, error) {
	return e.moveQuest(ctx, folder, from, to, nil)
}

func (e Engine) moveQuest(ctx context.Context, folder string, from, to repo.State, mutate func(*domain.Quest)) (domain.Quest, error) {
	if from == to {
		return domain.Quest{}, fmt.Errorf("quest %s is already %s", folder, to)
	}
	var q domain.Quest
	if err := e.Repo.ReadJSON(e.Repo.QuestFile(from, folder), &q); err != nil {
		return domain.Quest{}, err
	}
	q.Status = statusForState(to)
	switch to {
	case repo.StateCompleted:
		q.CompletedAt = e.timestamp()
	case repo.StateActive:
		q.CompletedAt = ""
		q.AbandonReason = ""
	}
	if mutate != nil {
		mutate(&q)
	}
	if err := e.Repo.MoveQuestFolder(folder, from, to); err != nil {
		return domain.Quest{}, err
	}
	q.UpdatedAt = e.timestamp()
	if err := e.writeQuest(to, &q); err != nil {
		return domain.Quest{}, err
	}
	e.updateTracker()
	e.journal(ctx, events.QuestMoved, folder, "quest", q.ID, events.EventPayload{"from": from, "to": to})
	e.log().Info("quest moved", zap.String("quest", folder), zap.String("from", string(from)), zap.String("to", string(to)))
	return q, nil
}

// AbandonQuest moves an active quest to abandoned, recording the reason.
func (e Engine) AbandonQuest(ctx context.Context, folder, reason string) (domain.Quest, error) {
	q, err := e.moveQuest(ctx, folder, repo.StateActive, repo.StateAbandoned, func(q *domain.Quest) {
		q.AbandonReason = reason
	})
	if err != nil {
		return domain.Quest{}, err
	}
	e.journal(ctx, events.QuestAbandoned, folder, "quest", q.ID, events.EventPayload{"reason": reason})
	return q, nil
}

// CompleteQuest moves an active quest to completed.
func (e Engine) CompleteQuest(ctx context.Context, folder string) (domain.Quest, error) {
	q, err := e.moveQuest(ctx, folder, repo.StateActive, repo.StateCompleted, nil)
	if err != nil {
		return domain.Quest{}, err
	}
	e.journal(ctx, events.QuestCompleted, folder, "quest", q.ID, nil)
	return q, nil
}

// CleanResult counts the quest folders CleanOldQuests removed.
type CleanResult struct {
	Completed int      `json:"completed"`
	Abandoned int      `json:"abandoned"`
	Removed   []string `json:"removed"`
}

// CleanOldQuests deletes completed and abandoned quests whose completedAt, or
// updatedAt when unset, is older than the configured retention. Quests
// without a readable date are kept.
func (e Engine) CleanOldQuests(ctx context.Context) (CleanResult, error) {
	days := 30
	if e.Config != nil && e.Config.Quests.CleanAfterDays > 0 {
		days = e.Config.Quests.CleanAfterDays
	}
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	res := CleanResult{Removed: []string{}}
	for _, s := range []repo.State{repo.StateCompleted, repo.StateAbandoned} {
		folders, err := e.Repo.ListQuestFolders(s)
		if err != nil {
			return res, err
		}
		for _, folder := range folders {
			q, err := e.readQuestIn(s, folder)
			if err != nil {
				continue
			}
			stamp := q.CompletedAt
			if stamp == "" {
				stamp = q.UpdatedAt
			}
			at, err := time.Parse(time.RFC3339, stamp)
			if err != nil || !at.Before(cutoff) {
				continue
			}
			if err := e.Repo.RemoveQuestFolder(s, folder); err != nil {
				return res, err
			}
			if s == repo.StateCompleted {
				res.Completed++
			} else {
				res.Abandoned++
			}
			res.Removed = append(res.Removed, folder)
			e.journal(ctx, events.QuestCleaned, folder, "quest", q.ID, events.EventPayload{"state": s})
		}
	}
	e.log().Info("old quests cleaned", zap.Int("completed", res.Completed), zap.Int("abandoned", res.Abandoned), zap.Int("max_age_days", days))
	return res, nil
}
