package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
	"fieldline/internal/selection"
	"fieldline/internal/taxonomy"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Log
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Log{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Customer    string
	Client      string
	Status      string
	Priority    string
	Phase       string
	Team        []string
	StartDate   string
	EndDate     string
	Description string
	Systems     []string
	Activities  []domain.ActivitySelection
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	for _, s := range opts.Systems {
		if !taxonomy.IsSystem(s) {
			return domain.Project{}, fmt.Errorf("unknown system type %s", s)
		}
	}
	if opts.Status == "" {
		opts.Status = "active"
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Name+"|"+now)).String()
	}
	p := domain.Project{
		ID:          id,
		Name:        opts.Name,
		Customer:    opts.Customer,
		Client:      opts.Client,
		Status:      opts.Status,
		Priority:    opts.Priority,
		Phase:       opts.Phase,
		Team:        opts.Team,
		StartDate:   opts.StartDate,
		EndDate:     opts.EndDate,
		Description: opts.Description,
		Systems:     opts.Systems,
		// selections are stored as given, even when their system is not in
		// Systems; see the activity list contract in the repo docs
		Activities: dedupe(opts.Activities),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "project.created", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"name": p.Name, "status": p.Status},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectUpdateOptions encapsulates allowed updates. Nil pointers leave the
// field untouched; Systems/Activities replace wholesale when provided.
type ProjectUpdateOptions struct {
	ID                 string
	Name               *string
	Customer           *string
	Client             *string
	Status             *string
	Priority           *string
	Phase              *string
	Team               []string
	TeamProvided       bool
	StartDate          *string
	EndDate            *string
	Description        *string
	Systems            []string
	SystemsProvided    bool
	Activities         []domain.ActivitySelection
	ActivitiesProvided bool
	ActorID            string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, opts.ID)
	if err != nil {
		return p, err
	}
	applyString(&p.Name, opts.Name)
	applyString(&p.Customer, opts.Customer)
	applyString(&p.Client, opts.Client)
	applyString(&p.Status, opts.Status)
	applyString(&p.Priority, opts.Priority)
	applyString(&p.Phase, opts.Phase)
	applyString(&p.StartDate, opts.StartDate)
	applyString(&p.EndDate, opts.EndDate)
	applyString(&p.Description, opts.Description)
	if opts.TeamProvided {
		p.Team = opts.Team
	}
	if opts.SystemsProvided {
		for _, s := range opts.Systems {
			if !taxonomy.IsSystem(s) {
				return p, fmt.Errorf("unknown system type %s", s)
			}
		}
		removed := removedSystems(p.Systems, opts.Systems)
		p.Systems = opts.Systems
		// deselecting a system clears its activities, per the reducer
		// contract, unless the caller replaces the full list anyway
		if !opts.ActivitiesProvided {
			for _, s := range removed {
				p.Activities = selection.UnselectSystem(p.Activities, s)
			}
		}
	}
	if opts.ActivitiesProvided {
		p.Activities = dedupe(opts.Activities)
	}
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return p, err
	}
	if opts.SystemsProvided {
		if err := e.Repo.ReplaceSystemsTx(ctx, tx, p.ID, p.Systems); err != nil {
			return p, err
		}
	}
	if opts.ActivitiesProvided || opts.SystemsProvided {
		if err := e.Repo.ReplaceActivitiesTx(ctx, tx, p.ID, p.Activities); err != nil {
			return p, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "project.updated", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"status": p.Status},
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// DeleteProject removes the project document. Generated tasks are left in
// place: there is no cascade, matching the upstream behavior.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProjectTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "project.deleted", ProjectID: id, EntityKind: "project", EntityID: id, ActorID: actorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ToggleActivity applies a single checkbox change to the stored selections.
func (e Engine) ToggleActivity(ctx context.Context, projectID string, sel domain.ActivitySelection, checked bool, actorID string) (domain.Project, error) {
	return e.applySelection(ctx, projectID, actorID, "toggle", func(list []domain.ActivitySelection) []domain.ActivitySelection {
		return selection.Toggle(list, sel, checked)
	})
}

// SelectAllActivities replaces the (system, category[, subcategory]) scope
// with the given activity names.
func (e Engine) SelectAllActivities(ctx context.Context, projectID, system, category, subcategory string, activities []string, actorID string) (domain.Project, error) {
	if len(activities) == 0 {
		return domain.Project{}, errors.New("activities are required")
	}
	return e.applySelection(ctx, projectID, actorID, "select_all", func(list []domain.ActivitySelection) []domain.ActivitySelection {
		return selection.SelectAll(list, system, category, subcategory, activities)
	})
}

// UnselectAllActivities clears the scope: category-wide when subcategory is
// empty, the single subcategory otherwise. An empty category clears the
// whole system.
func (e Engine) UnselectAllActivities(ctx context.Context, projectID, system, category, subcategory, actorID string) (domain.Project, error) {
	return e.applySelection(ctx, projectID, actorID, "unselect_all", func(list []domain.ActivitySelection) []domain.ActivitySelection {
		if category == "" {
			return selection.UnselectSystem(list, system)
		}
		return selection.UnselectAll(list, system, category, subcategory)
	})
}

// ReplaceActivities swaps the project's entire selection list.
func (e Engine) ReplaceActivities(ctx context.Context, projectID string, sels []domain.ActivitySelection, actorID string) (domain.Project, error) {
	return e.applySelection(ctx, projectID, actorID, "replace", func(_ []domain.ActivitySelection) []domain.ActivitySelection {
		return dedupe(sels)
	})
}

func (e Engine) applySelection(ctx context.Context, projectID, actorID, op string, apply func([]domain.ActivitySelection) []domain.ActivitySelection) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	p.Activities = apply(p.Activities)
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceActivitiesTx(ctx, tx, p.ID, p.Activities); err != nil {
		return p, err
	}
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "project.activities.updated", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actorID,
		Payload: events.Payload{"op": op, "count": len(p.Activities)},
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating an ad-hoc task.
type TaskCreateOptions struct {
	ID            string
	ProjectID     string
	Title         string
	Description   string
	Status        string
	Priority      string
	DurationHours int
	Assignees     []string
	ActorID       string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	cfg := e.projectDefaults(ctx, opts.ProjectID)
	if opts.Status == "" {
		opts.Status = cfg.Tasks.Defaults.Status
	}
	if err := validateCatalog(cfg.Tasks.Statuses, opts.Status, "status"); err != nil {
		return domain.Task{}, err
	}
	if opts.Priority != "" {
		if err := validateCatalog(cfg.Tasks.Priorities, opts.Priority, "priority"); err != nil {
			return domain.Task{}, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.Task{
		ID:            id,
		ProjectID:     opts.ProjectID,
		Title:         opts.Title,
		Description:   opts.Description,
		Status:        opts.Status,
		Priority:      opts.Priority,
		DurationHours: opts.DurationHours,
		Assignees:     opts.Assignees,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "task.created", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"title": t.Title, "status": t.Status},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed task updates.
type TaskUpdateOptions struct {
	ID                string
	Title             *string
	Description       *string
	Status            *string
	Priority          *string
	DurationHours     *int
	Assignees         []string
	AssigneesProvided bool
	ActorID           string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	original := t
	cfg := e.projectDefaults(ctx, t.ProjectID)
	applyString(&t.Title, opts.Title)
	applyString(&t.Description, opts.Description)
	if opts.Status != nil {
		if err := validateCatalog(cfg.Tasks.Statuses, *opts.Status, "status"); err != nil {
			return t, err
		}
		t.Status = *opts.Status
	}
	if opts.Priority != nil {
		if *opts.Priority != "" {
			if err := validateCatalog(cfg.Tasks.Priorities, *opts.Priority, "priority"); err != nil {
				return t, err
			}
		}
		t.Priority = *opts.Priority
	}
	if opts.DurationHours != nil {
		t.DurationHours = *opts.DurationHours
	}
	if opts.AssigneesProvided {
		t.Assignees = opts.Assignees
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "task.updated", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"from_status": original.Status, "to_status": t.Status},
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTaskTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "task.deleted", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actorID,
		Payload: events.Payload{"title": t.Title},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReconcileResult reports one project's task reconciliation.
type ReconcileResult struct {
	ProjectID string `json:"project_id"`
	Groups    int    `json:"groups"`
	Created   int    `json:"created"`
	Pruned    int    `json:"pruned"`
}

// GenerateTasks reconciles a project's generated tasks against its current
// activity selections: one task per distinct (system, category, subcategory)
// group, created when missing and pruned when the group is gone, inside a
// single transaction. Manually created tasks (no linkage) are untouched.
// Re-running with unchanged selections changes nothing and keeps task IDs
// stable.
func (e Engine) GenerateTasks(ctx context.Context, projectID, actorID string) (ReconcileResult, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if len(p.Activities) == 0 {
		return ReconcileResult{}, errors.New("project has no activities selected")
	}
	return e.reconcileProject(ctx, p, actorID, "project.tasks.generated")
}

func (e Engine) reconcileProject(ctx context.Context, p domain.Project, actorID, evtType string) (ReconcileResult, error) {
	cfg := e.projectDefaults(ctx, p.ID)
	groups := selection.GroupBySubcategory(p.Activities)
	res := ReconcileResult{ProjectID: p.ID, Groups: len(groups)}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.ListLinkedTasksTx(ctx, tx, p.ID)
	if err != nil {
		return res, err
	}
	byKey := make(map[string]domain.Task, len(existing))
	for _, t := range existing {
		byKey[selection.GroupKey(t.Linked.System, t.Linked.Category, t.Linked.Subcategory)] = t
	}
	wanted := make(map[string]bool, len(groups))
	now := e.now().UTC().Format(time.RFC3339)
	for _, g := range groups {
		wanted[g.Key()] = true
		if _, ok := byKey[g.Key()]; ok {
			continue
		}
		t := e.taskFromGroup(p, g, cfg, now)
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return res, fmt.Errorf("insert generated task %s: %w", g.Key(), err)
		}
		res.Created++
	}
	for key, t := range byKey {
		if wanted[key] {
			continue
		}
		if err := e.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
			return res, fmt.Errorf("prune stale task %s: %w", t.ID, err)
		}
		res.Pruned++
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: evtType, ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actorID,
		Payload: events.Payload{"groups": res.Groups, "created": res.Created, "pruned": res.Pruned},
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// taskFromGroup builds the generated task for one subcategory group. The ID
// is deterministic over the reconciliation key so regeneration is stable.
func (e Engine) taskFromGroup(p domain.Project, g selection.Group, cfg *config.Config, now string) domain.Task {
	d := cfg.Tasks.Defaults
	return domain.Task{
		ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.ID+"|"+g.Key())).String(),
		ProjectID:     p.ID,
		Title:         g.Subcategory,
		Description:   d.Describe(g.System, g.Category, g.Subcategory),
		Status:        d.Status,
		Priority:      d.Priority,
		DurationHours: d.DurationHours,
		Assignees:     p.Team,
		Linked: &domain.LinkedActivity{
			ProjectID:   p.ID,
			System:      g.System,
			Category:    g.Category,
			Subcategory: g.Subcategory,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SyncResult aggregates a fleet-wide reconciliation pass.
type SyncResult struct {
	ProcessedProjects int `json:"processed_projects"`
	TasksCreated      int `json:"tasks_created"`
	TasksPruned       int `json:"tasks_pruned"`
}

// SyncProjects reconciles every project that has activity selections, one
// transaction per project. Re-running with no intervening changes creates
// and prunes nothing.
func (e Engine) SyncProjects(ctx context.Context, actorID string) (SyncResult, error) {
	var res SyncResult
	ids, err := e.Repo.ListProjectIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		p, err := e.Repo.GetProject(ctx, id)
		if err != nil {
			return res, fmt.Errorf("load project %s: %w", id, err)
		}
		if len(p.Activities) == 0 {
			continue
		}
		r, err := e.reconcileProject(ctx, p, actorID, "project.tasks.synced")
		if err != nil {
			return res, fmt.Errorf("sync project %s: %w", id, err)
		}
		res.ProcessedProjects++
		res.TasksCreated += r.Created
		res.TasksPruned += r.Pruned
	}
	return res, nil
}

// ProjectStatus summarizes a project's tasks against its selections.
type ProjectStatus struct {
	ProjectID   string         `json:"project_id"`
	Status      string         `json:"status"`
	TaskCounts  map[string]int `json:"task_counts"`
	Groups      int            `json:"groups"`
	LinkedTasks int            `json:"linked_tasks"`
}

func (e Engine) Status(ctx context.Context, projectID string) (ProjectStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	linked, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, LinkedOnly: true})
	if err != nil {
		return ProjectStatus{}, err
	}
	return ProjectStatus{
		ProjectID:   p.ID,
		Status:      p.Status,
		TaskCounts:  counts,
		Groups:      len(selection.GroupBySubcategory(p.Activities)),
		LinkedTasks: len(linked),
	}, nil
}

// projectDefaults loads the project's stored config, falling back to the
// engine config, then to the built-in defaults.
func (e Engine) projectDefaults(ctx context.Context, projectID string) *config.Config {
	if cfg, err := e.Repo.GetProjectConfig(ctx, projectID); err == nil {
		return cfg
	}
	if e.Config != nil {
		return e.Config
	}
	return config.Default(projectID)
}

// --- helpers ---

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func validateCatalog(catalog []string, v, field string) error {
	for _, c := range catalog {
		if c == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %s", field, v)
}

func removedSystems(old, updated []string) []string {
	keep := make(map[string]bool, len(updated))
	for _, s := range updated {
		keep[s] = true
	}
	var gone []string
	for _, s := range old {
		if !keep[s] {
			gone = append(gone, s)
		}
	}
	return gone
}

func dedupe(list []domain.ActivitySelection) []domain.ActivitySelection {
	var out []domain.ActivitySelection
	for _, s := range list {
		out = selection.Toggle(out, s, true)
	}
	return out
}
