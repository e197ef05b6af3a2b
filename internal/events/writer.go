package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Log appends audit entries inside the caller's transaction so an event
// is only visible once the change it describes commits.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry is one audit record. ProjectID and EntityID may be empty for
// fleet-wide entries such as sync runs.
type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (l Log) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
