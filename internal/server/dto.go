package server

import (
	"encoding/json"

	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
)

type QuestResponse struct {
	State string       `json:"state" enum:"active,completed,abandoned"`
	Quest domain.Quest `json:"quest"`
}

type PhaseResponse struct {
	engine.PhaseCompletion
	QuestComplete bool             `json:"questComplete"`
	Freshness     engine.Freshness `json:"freshness"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	QuestFolder string         `json:"quest_folder,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	Payload     map[string]any `json:"payload"`
}

type paginatedQuests struct {
	Items []domain.TrackerEntry `json:"items"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		QuestFolder: e.QuestFolder,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
