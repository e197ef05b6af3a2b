package server

import (
	"encoding/json"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/selection"
	"fieldline/internal/taxonomy"
)

// Request payloads

type ActivitySelectionRequest struct {
	System      string `json:"system"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Activity    string `json:"activity"`
}

type CreateProjectRequest struct {
	ID          *string                    `json:"id,omitempty"`
	Name        string                     `json:"name"`
	Customer    *string                    `json:"customer,omitempty"`
	Client      *string                    `json:"client,omitempty"`
	Status      *string                    `json:"status,omitempty" enum:"planned,active,on_hold,completed,archived"`
	Priority    *string                    `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Phase       *string                    `json:"phase,omitempty"`
	Team        []string                   `json:"team,omitempty"`
	StartDate   *string                    `json:"start_date,omitempty" format:"date"`
	EndDate     *string                    `json:"end_date,omitempty" format:"date"`
	Description *string                    `json:"description,omitempty"`
	Systems     []string                   `json:"systems,omitempty"`
	Activities  []ActivitySelectionRequest `json:"activities,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string                    `json:"name,omitempty"`
	Customer    *string                    `json:"customer,omitempty"`
	Client      *string                    `json:"client,omitempty"`
	Status      *string                    `json:"status,omitempty" enum:"planned,active,on_hold,completed,archived"`
	Priority    *string                    `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Phase       *string                    `json:"phase,omitempty"`
	Team        []string                   `json:"team,omitempty"`
	StartDate   *string                    `json:"start_date,omitempty" format:"date"`
	EndDate     *string                    `json:"end_date,omitempty" format:"date"`
	Description *string                    `json:"description,omitempty"`
	Systems     []string                   `json:"systems,omitempty"`
	Activities  []ActivitySelectionRequest `json:"activities,omitempty"`
}

type ToggleActivityRequest struct {
	System      string `json:"system"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Activity    string `json:"activity"`
	Checked     bool   `json:"checked"`
}

type SelectAllRequest struct {
	System      string   `json:"system"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory,omitempty"`
	Activities  []string `json:"activities,omitempty"`
}

type UnselectAllRequest struct {
	System      string `json:"system"`
	Category    string `json:"category,omitempty"`
	Subcategory string `json:"subcategory,omitempty"`
}

type CreateTaskRequest struct {
	ID            *string  `json:"id,omitempty"`
	Title         string   `json:"title"`
	Description   *string  `json:"description,omitempty"`
	Status        *string  `json:"status,omitempty"`
	Priority      *string  `json:"priority,omitempty"`
	DurationHours *int     `json:"duration_hours,omitempty"`
	Assignees     []string `json:"assignees,omitempty"`
}

type UpdateTaskRequest struct {
	Title         *string  `json:"title,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Status        *string  `json:"status,omitempty"`
	Priority      *string  `json:"priority,omitempty"`
	DurationHours *int     `json:"duration_hours,omitempty"`
	Assignees     []string `json:"assignees,omitempty"`
}

// Response payloads

type ActivitySelectionResponse struct {
	System      string `json:"system"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Activity    string `json:"activity"`
}

type ProjectResponse struct {
	ID          string                      `json:"id"`
	Name        string                      `json:"name"`
	Customer    string                      `json:"customer,omitempty"`
	Client      string                      `json:"client,omitempty"`
	Status      string                      `json:"status" enum:"planned,active,on_hold,completed,archived"`
	Priority    string                      `json:"priority,omitempty"`
	Phase       string                      `json:"phase,omitempty"`
	Team        []string                    `json:"team"`
	StartDate   string                      `json:"start_date,omitempty" format:"date"`
	EndDate     string                      `json:"end_date,omitempty" format:"date"`
	Description string                      `json:"description,omitempty"`
	Systems     []string                    `json:"systems"`
	Activities  []ActivitySelectionResponse `json:"activities"`
	CreatedAt   string                      `json:"created_at" format:"date-time"`
	UpdatedAt   string                      `json:"updated_at" format:"date-time"`
}

type LinkedActivityResponse struct {
	ProjectID   string `json:"project_id"`
	System      string `json:"system"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
}

type TaskResponse struct {
	ID            string                  `json:"id"`
	ProjectID     string                  `json:"project_id"`
	Title         string                  `json:"title"`
	Description   string                  `json:"description,omitempty"`
	Status        string                  `json:"status"`
	Priority      string                  `json:"priority,omitempty"`
	DurationHours int                     `json:"duration_hours,omitempty"`
	Assignees     []string                `json:"assignees"`
	Linked        *LinkedActivityResponse `json:"linked_activity,omitempty"`
	CreatedAt     string                  `json:"created_at" format:"date-time"`
	UpdatedAt     string                  `json:"updated_at" format:"date-time"`
}

type ActivityGroupResponse struct {
	System      string   `json:"system"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Activities  []string `json:"activities"`
}

type ProjectActivitiesResponse struct {
	ProjectID  string                      `json:"project_id"`
	Selections []ActivitySelectionResponse `json:"selections"`
	Groups     []ActivityGroupResponse     `json:"groups"`
}

type GenerateResponse struct {
	ProjectID string `json:"project_id"`
	Groups    int    `json:"groups"`
	Created   int    `json:"created"`
	Pruned    int    `json:"pruned"`
}

type SyncResponse struct {
	ProcessedProjects int `json:"processed_projects"`
	TasksCreated      int `json:"tasks_created"`
	TasksPruned       int `json:"tasks_pruned"`
}

type SubcategoryResponse struct {
	Name       string   `json:"name"`
	Activities []string `json:"activities"`
}

type CategoryResponse struct {
	Item     string                `json:"item"`
	Subitems []SubcategoryResponse `json:"subitems"`
}

type TaxonomySystemResponse struct {
	System     string             `json:"system"`
	Categories []CategoryResponse `json:"categories"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"project"`
	Tasks struct {
		Statuses   []string `json:"statuses"`
		Priorities []string `json:"priorities"`
		Defaults   struct {
			Status              string `json:"status"`
			Priority            string `json:"priority"`
			DurationHours       int    `json:"duration_hours"`
			DescriptionTemplate string `json:"description_template"`
		} `json:"defaults"`
	} `json:"tasks"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func selectionsFromRequest(in []ActivitySelectionRequest) []domain.ActivitySelection {
	out := make([]domain.ActivitySelection, 0, len(in))
	for _, s := range in {
		out = append(out, domain.ActivitySelection(s))
	}
	return out
}

func selectionResponses(in []domain.ActivitySelection) []ActivitySelectionResponse {
	out := make([]ActivitySelectionResponse, 0, len(in))
	for _, s := range in {
		out = append(out, ActivitySelectionResponse(s))
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Customer:    p.Customer,
		Client:      p.Client,
		Status:      p.Status,
		Priority:    p.Priority,
		Phase:       p.Phase,
		Team:        nonNilSlice(p.Team),
		StartDate:   p.StartDate,
		EndDate:     p.EndDate,
		Description: p.Description,
		Systems:     nonNilSlice(p.Systems),
		Activities:  selectionResponses(p.Activities),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	res := TaskResponse{
		ID:            t.ID,
		ProjectID:     t.ProjectID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        t.Status,
		Priority:      t.Priority,
		DurationHours: t.DurationHours,
		Assignees:     nonNilSlice(t.Assignees),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.Linked != nil {
		res.Linked = &LinkedActivityResponse{
			ProjectID:   t.Linked.ProjectID,
			System:      t.Linked.System,
			Category:    t.Linked.Category,
			Subcategory: t.Linked.Subcategory,
		}
	}
	return res
}

func groupResponses(groups []selection.Group) []ActivityGroupResponse {
	out := make([]ActivityGroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, ActivityGroupResponse{
			System:      g.System,
			Category:    g.Category,
			Subcategory: g.Subcategory,
			Activities:  nonNilSlice(g.Activities),
		})
	}
	return out
}

func taxonomySystemResponse(system string) TaxonomySystemResponse {
	res := TaxonomySystemResponse{System: system, Categories: []CategoryResponse{}}
	for _, cat := range taxonomy.Categories(system) {
		cr := CategoryResponse{Item: cat.Item, Subitems: []SubcategoryResponse{}}
		for _, sub := range cat.Subitems {
			cr.Subitems = append(cr.Subitems, SubcategoryResponse{
				Name:       sub.Name,
				Activities: nonNilSlice(sub.Activities),
			})
		}
		res.Categories = append(res.Categories, cr)
	}
	return res
}

func generateResponse(r engine.ReconcileResult) GenerateResponse {
	return GenerateResponse(r)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Name = cfg.Project.Name
	res.Tasks.Statuses = nonNilSlice(cfg.Tasks.Statuses)
	res.Tasks.Priorities = nonNilSlice(cfg.Tasks.Priorities)
	res.Tasks.Defaults.Status = cfg.Tasks.Defaults.Status
	res.Tasks.Defaults.Priority = cfg.Tasks.Defaults.Priority
	res.Tasks.Defaults.DurationHours = cfg.Tasks.Defaults.DurationHours
	res.Tasks.Defaults.DescriptionTemplate = cfg.Tasks.Defaults.DescriptionTemplate
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func intOrZero(ptr *int) int {
	if ptr == nil {
		return 0
	}
	return *ptr
}
