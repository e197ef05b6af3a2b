package domain

// ActivitySelection is one checklist choice on a project. Identity is the
// full 4-tuple; the strings are copied out of the taxonomy, not references
// into it, so later taxonomy edits do not change saved projects.
type ActivitySelection struct {
	System      string `json:"system"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Activity    string `json:"activity"`
}

// LinkedActivity is the denormalized key stored on a generated task,
// pointing back at the originating project scope. Activity is always empty
// for generated tasks: one task covers a whole subcategory.
type LinkedActivity struct {
	ProjectID   string `json:"project_id"`
	System      string `json:"system"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Activity    string `json:"activity"`
}

type Project struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Customer    string              `json:"customer,omitempty"`
	Client      string              `json:"client,omitempty"`
	Status      string              `json:"status" enum:"planned,active,on_hold,completed,archived"`
	Priority    string              `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Phase       string              `json:"phase,omitempty"`
	Team        []string            `json:"team,omitempty"`
	StartDate   string              `json:"start_date,omitempty" format:"date"`
	EndDate     string              `json:"end_date,omitempty" format:"date"`
	Description string              `json:"description,omitempty"`
	Systems     []string            `json:"systems,omitempty"`
	Activities  []ActivitySelection `json:"activities,omitempty"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
	UpdatedAt   string              `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Status        string          `json:"status" enum:"pending,in_progress,completed,canceled"`
	Priority      string          `json:"priority,omitempty"`
	DurationHours int             `json:"duration_hours,omitempty"`
	Assignees     []string        `json:"assignees,omitempty"`
	Linked        *LinkedActivity `json:"linked_activity,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
