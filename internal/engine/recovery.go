package engine

import (
	"context"

	"go.uber.org/zap"

	"questmaestro/internal/domain"
	"questmaestro/internal/events"
)

// RecordRecovery appends entry to the quest's recovery history.
func (e Engine) RecordRecovery(ctx context.Context, folder string, entry domain.RecoveryEntry) (domain.Quest, error) {
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	if entry.Timestamp == "" {
		entry.Timestamp = e.timestamp()
	}
	if entry.Kind == "" {
		entry.Kind = domain.RecoveryWard
	}
	q.RecoveryHistory = append(q.RecoveryHistory, entry)
	q.RecoveryAttempts++
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	e.journal(ctx, events.QuestRecovery, folder, "quest", q.ID, events.EventPayload{
		"kind":    entry.Kind,
		"agent":   entry.AgentType,
		"task":    entry.TaskID,
		"attempt": entry.AttemptNumber,
	})
	e.log().Info("recovery recorded", zap.String("quest", folder), zap.String("kind", string(entry.Kind)),
		zap.String("agent", string(entry.AgentType)), zap.Int("attempt", entry.AttemptNumber))
	return q, nil
}
