package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,name,COALESCE(customer,''),COALESCE(client,''),status,COALESCE(priority,''),COALESCE(phase,''),team_json,COALESCE(start_date,''),COALESCE(end_date,''),COALESCE(description,''),created_at,updated_at`

func scanProjectRow(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var team sql.NullString
	err := scan(&p.ID, &p.Name, &p.Customer, &p.Client, &p.Status, &p.Priority, &p.Phase, &team,
		&p.StartDate, &p.EndDate, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if team.Valid {
		p.Team = decodeStringSlice(team.String)
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	team, err := marshalStringSlice(p.Team)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,name,customer,client,status,priority,phase,team_json,start_date,end_date,description,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Customer), nullable(p.Client), p.Status, nullable(p.Priority), nullable(p.Phase),
		nullableStringPtr(team), nullable(p.StartDate), nullable(p.EndDate), nullable(p.Description), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if err := r.ReplaceSystemsTx(ctx, tx, p.ID, p.Systems); err != nil {
		return err
	}
	return r.ReplaceActivitiesTx(ctx, tx, p.ID, p.Activities)
}

func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	team, err := marshalStringSlice(p.Team)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?, customer=?, client=?, status=?, priority=?, phase=?, team_json=?, start_date=?, end_date=?, description=?, updated_at=? WHERE id=?`,
		p.Name, nullable(p.Customer), nullable(p.Client), p.Status, nullable(p.Priority), nullable(p.Phase),
		nullableStringPtr(team), nullable(p.StartDate), nullable(p.EndDate), nullable(p.Description), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProject loads a project with its systems and activity selections.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	p, err := scanProjectRow(row.Scan)
	if err != nil {
		return p, err
	}
	p.Systems, err = r.ListSystems(ctx, id)
	if err != nil {
		return p, err
	}
	p.Activities, err = r.ListActivities(ctx, id)
	return p, err
}

// SingleProject returns the only project, erroring when zero or many exist.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// ListProjects returns project rows without selections (use GetProject for
// the full aggregate).
func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// ListProjectIDs returns the ids of all projects, oldest first. The sync
// reconciler walks this list.
func (r Repo) ListProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r Repo) DeleteProjectTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM project_configs WHERE project_id=?`, id)
	return err
}

func (r Repo) ListSystems(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT system FROM project_systems WHERE project_id=? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) ReplaceSystemsTx(ctx context.Context, tx *sql.Tx, projectID string, systems []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_systems WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for i, s := range systems {
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_systems(project_id,system,position) VALUES (?,?,?)`, projectID, s, i); err != nil {
			return err
		}
	}
	return nil
}

// ListActivities returns the stored selections in insertion order.
func (r Repo) ListActivities(ctx context.Context, projectID string) ([]domain.ActivitySelection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT system,category,subcategory,activity FROM project_activities WHERE project_id=? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivitySelection
	for rows.Next() {
		var s domain.ActivitySelection
		if err := rows.Scan(&s.System, &s.Category, &s.Subcategory, &s.Activity); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) ReplaceActivitiesTx(ctx context.Context, tx *sql.Tx, projectID string, list []domain.ActivitySelection) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_activities WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for i, s := range list {
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_activities(project_id,system,category,subcategory,activity,position) VALUES (?,?,?,?,?,?)`,
			projectID, s.System, s.Category, s.Subcategory, s.Activity, i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

const taskColumns = `id,project_id,title,description,status,priority,duration_hours,assignees_json,linked_system,linked_category,linked_subcategory,created_at,updated_at`

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, priority, assignees, linkedSystem, linkedCategory, linkedSubcategory sql.NullString
	var duration sql.NullInt64
	err := scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &priority, &duration, &assignees,
		&linkedSystem, &linkedCategory, &linkedSubcategory, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if priority.Valid {
		t.Priority = priority.String
	}
	if duration.Valid {
		t.DurationHours = int(duration.Int64)
	}
	if assignees.Valid {
		t.Assignees = decodeStringSlice(assignees.String)
	}
	if linkedSystem.Valid {
		t.Linked = &domain.LinkedActivity{
			ProjectID:   t.ProjectID,
			System:      linkedSystem.String,
			Category:    linkedCategory.String,
			Subcategory: linkedSubcategory.String,
		}
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	assignees, err := marshalStringSlice(t.Assignees)
	if err != nil {
		return err
	}
	var linkedSystem, linkedCategory, linkedSubcategory any
	if t.Linked != nil {
		linkedSystem, linkedCategory, linkedSubcategory = t.Linked.System, t.Linked.Category, t.Linked.Subcategory
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,priority,duration_hours,assignees_json,linked_system,linked_category,linked_subcategory,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, nullable(t.Priority), nullableInt(t.DurationHours),
		nullableStringPtr(assignees), linkedSystem, linkedCategory, linkedSubcategory, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	assignees, err := marshalStringSlice(t.Assignees)
	if err != nil {
		return err
	}
	var linkedSystem, linkedCategory, linkedSubcategory any
	if t.Linked != nil {
		linkedSystem, linkedCategory, linkedSubcategory = t.Linked.System, t.Linked.Category, t.Linked.Subcategory
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, duration_hours=?, assignees_json=?, linked_system=?, linked_category=?, linked_subcategory=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, nullable(t.Priority), nullableInt(t.DurationHours),
		nullableStringPtr(assignees), linkedSystem, linkedCategory, linkedSubcategory, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

type TaskFilters struct {
	ProjectID       string
	Status          string
	Priority        string
	System          string
	LinkedOnly      bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.System != "" {
		clauses = append(clauses, "linked_system=?")
		args = append(args, f.System)
	}
	if f.LinkedOnly {
		clauses = append(clauses, "linked_system IS NOT NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// ListLinkedTasksTx returns a project's generated tasks inside a transaction,
// oldest first, for reconciliation.
func (r Repo) ListLinkedTasksTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? AND linked_system IS NOT NULL ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID, fleet-wide when projectID
// is empty.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeStringSlice(raw string) []string {
	if raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil
	}
	return arr
}
