package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"questmaestro/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(quest_folder,''),entity_kind,COALESCE(entity_id,''),payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int, questFolder, evtType, entityKind string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, questFolder, evtType, entityKind)
}

// LatestEventsFrom lists events newest first, starting below cursor when set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, questFolder, evtType, entityKind string) ([]domain.Event, error) {
	if r.DB == nil {
		return nil, nil
	}
	clauses := []string{"1=1"}
	var args []any
	if questFolder != "" {
		clauses = append(clauses, "quest_folder=?")
		args = append(args, questFolder)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter lists events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if r.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns)
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	if r.DB == nil {
		return 0, nil
	}
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.QuestFolder, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
