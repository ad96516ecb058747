package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the journal.
const (
	QuestCreated    = "quest.created"
	QuestSaved      = "quest.saved"
	QuestReconciled = "quest.reconciled"
	QuestMoved      = "quest.moved"
	QuestAbandoned  = "quest.abandoned"
	QuestCompleted  = "quest.completed"
	QuestCleaned    = "quest.cleaned"
	QuestRecovery   = "quest.recovery"
	TasksAdded      = "tasks.added"
	TaskStatus      = "task.status"
	PhaseStatus     = "phase.status"
	RetroSaved      = "retro.saved"
	PipelineAttempt = "pipeline.attempt"
)

// Writer appends quest activity to the journal. A Writer without a DB
// discards events.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, questFolder, entityKind, entityID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,quest_folder,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(questFolder), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
