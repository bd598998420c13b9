package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload holds the event-specific fields serialized into payload_json.
type EventPayload map[string]any

// Writer appends ledger entries. Append only ever runs inside the caller's
// transaction so an event can never be recorded without its aggregate
// mutation, or vice versa. Rows are never updated or deleted.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

const insertEvent = `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	data := []byte("{}")
	if len(payload) > 0 {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s payload: %w", evtType, err)
		}
	}
	_, err := tx.ExecContext(ctx, insertEvent,
		w.stamp(), evtType, orNull(projectID), entityKind, orNull(entityID), actorID, string(data))
	return err
}

func (w Writer) stamp() string {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
