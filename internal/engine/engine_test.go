package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(""))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func relaySel(subcategory, activity string) domain.ActivitySelection {
	return domain.ActivitySelection{System: "RELAY", Category: "Protection Relays", Subcategory: subcategory, Activity: activity}
}

func newRelayProject(t *testing.T, env testEnv, activities []domain.ActivitySelection) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		ID:         "proj-1",
		Name:       "Substation A retrofit",
		Customer:   "Grid Co",
		Team:       []string{"amr", "lina"},
		Systems:    []string{"RELAY"},
		Activities: activities,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestCreateProjectRejectsUnknownSystem(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:    "bad",
		Systems: []string{"HV SWGR"},
		ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected unknown system error")
	}
}

func TestGenerateTasksOnePerSubcategoryGroup(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{
		relaySel("Overcurrent", "Pickup"),
		relaySel("Overcurrent", "Timing"),
		relaySel("Differential", "Slope Characteristic"),
	})
	res, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Groups != 2 || res.Created != 2 || res.Pruned != 0 {
		t.Fatalf("want 2 groups / 2 created / 0 pruned, got %+v", res)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("want 2 tasks, got %d", len(tasks))
	}
	titles := map[string]domain.Task{}
	for _, task := range tasks {
		titles[task.Title] = task
	}
	oc, ok := titles["Overcurrent"]
	if !ok {
		t.Fatalf("missing Overcurrent task")
	}
	if oc.Description != "Perform Overcurrent Protection Relays tests on the RELAY system" {
		t.Fatalf("unexpected description %q", oc.Description)
	}
	if oc.Status != "pending" || oc.DurationHours != 4 {
		t.Fatalf("defaults not applied: %+v", oc)
	}
	if len(oc.Assignees) != 2 || oc.Assignees[0] != "amr" {
		t.Fatalf("assignees should copy project team, got %v", oc.Assignees)
	}
	if oc.Linked == nil || oc.Linked.Subcategory != "Overcurrent" {
		t.Fatalf("missing linkage: %+v", oc.Linked)
	}
}

func TestGenerateTasksRequiresActivities(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, nil)
	if _, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester"); err == nil {
		t.Fatalf("expected error for empty selections")
	}
	if _, err := env.Engine.GenerateTasks(env.Ctx, "nope", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGenerateTasksIdempotentWithStableIDs(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{relaySel("Overcurrent", "Pickup")})
	first, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester")
	if err != nil || first.Created != 1 {
		t.Fatalf("first run: %+v %v", first, err)
	}
	before, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	second, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester")
	if err != nil || second.Created != 0 || second.Pruned != 0 {
		t.Fatalf("second run should be a no-op: %+v %v", second, err)
	}
	after, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if len(before) != 1 || len(after) != 1 || before[0].ID != after[0].ID {
		t.Fatalf("task ID should be stable across runs")
	}
}

func TestGenerateTasksPrunesStaleGroups(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{
		relaySel("Overcurrent", "Pickup"),
		relaySel("Differential", "Slope Characteristic"),
	})
	if _, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	// drop the Differential subcategory, keep Overcurrent
	if _, err := env.Engine.UnselectAllActivities(env.Ctx, "proj-1", "RELAY", "Protection Relays", "Differential", "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Pruned != 1 {
		t.Fatalf("want 0 created / 1 pruned, got %+v", res)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if len(tasks) != 1 || tasks[0].Title != "Overcurrent" {
		t.Fatalf("stale task should be gone, got %v", tasks)
	}
}

func TestGenerateTasksLeavesManualTasksAlone(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{relaySel("Overcurrent", "Pickup")})
	manual, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Title: "Site survey", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	// clear everything and regenerate via sync: manual task survives
	if _, err := env.Engine.UnselectAllActivities(env.Ctx, "proj-1", "RELAY", "Protection Relays", "Overcurrent", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SyncProjects(env.Ctx, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, manual.ID); err != nil {
		t.Fatalf("manual task should survive reconciliation: %v", err)
	}
}

func TestSyncRecreatesDeletedGeneratedTask(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{
		relaySel("Overcurrent", "Pickup"),
		relaySel("Differential", "Slope Characteristic"),
	})
	if _, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1", LinkedOnly: true})
	if len(tasks) != 2 {
		t.Fatalf("want 2 linked tasks, got %d", len(tasks))
	}
	if err := env.Engine.DeleteTask(env.Ctx, tasks[0].ID, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SyncProjects(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedProjects != 1 || res.TasksCreated != 1 || res.TasksPruned != 0 {
		t.Fatalf("want exactly the missing task recreated, got %+v", res)
	}
	again, err := env.Engine.SyncProjects(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if again.TasksCreated != 0 || again.TasksPruned != 0 {
		t.Fatalf("second sync should be a no-op, got %+v", again)
	}
}

func TestSyncSkipsProjectsWithoutActivities(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, nil)
	res, err := env.Engine.SyncProjects(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedProjects != 0 {
		t.Fatalf("empty-selection project should be skipped, got %+v", res)
	}
}

func TestRemovingSystemClearsItsSelections(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		ID:      "proj-2",
		Name:    "Two systems",
		Systems: []string{"RELAY", "TRAFO"},
		Activities: []domain.ActivitySelection{
			relaySel("Overcurrent", "Pickup"),
			{System: "TRAFO", Category: "Power Transformers", Subcategory: "Insulation", Activity: "Insulation Resistance"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{
		ID:              p.ID,
		Systems:         []string{"RELAY"},
		SystemsProvided: true,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range p.Activities {
		if s.System == "TRAFO" {
			t.Fatalf("TRAFO selections should be cleared, got %+v", p.Activities)
		}
	}
	if len(p.Activities) != 1 {
		t.Fatalf("RELAY selection should remain, got %+v", p.Activities)
	}
}

func TestToggleActivityPersists(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, nil)
	p, err := env.Engine.ToggleActivity(env.Ctx, "proj-1", relaySel("Overcurrent", "Pickup"), true, "tester")
	if err != nil || len(p.Activities) != 1 {
		t.Fatalf("toggle on: %v %v", p.Activities, err)
	}
	// duplicate toggle stays single
	p, err = env.Engine.ToggleActivity(env.Ctx, "proj-1", relaySel("Overcurrent", "Pickup"), true, "tester")
	if err != nil || len(p.Activities) != 1 {
		t.Fatalf("duplicate toggle: %v %v", p.Activities, err)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil || len(got.Activities) != 1 {
		t.Fatalf("reload: %v %v", got.Activities, err)
	}
	p, err = env.Engine.ToggleActivity(env.Ctx, "proj-1", relaySel("Overcurrent", "Pickup"), false, "tester")
	if err != nil || len(p.Activities) != 0 {
		t.Fatalf("toggle off: %v %v", p.Activities, err)
	}
}

func TestSelectAllReplacesSubcategoryScope(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{relaySel("Overcurrent", "Pickup")})
	p, err := env.Engine.SelectAllActivities(env.Ctx, "proj-1", "RELAY", "Protection Relays", "Overcurrent",
		[]string{"Timing", "Directional Element"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Activities) != 2 {
		t.Fatalf("scope should be replaced, got %+v", p.Activities)
	}
	for _, s := range p.Activities {
		if s.Activity == "Pickup" {
			t.Fatalf("Pickup should be gone after replace")
		}
	}
}

func TestTaskStatusValidatedAgainstCatalog(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, nil)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "Cable check", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "pending" {
		t.Fatalf("default status expected, got %q", task.Status)
	}
	bad := "archived"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: &bad, ActorID: "tester"}); err == nil {
		t.Fatalf("expected invalid status error")
	}
	good := "in_progress"
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: &good, ActorID: "tester"})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("valid status rejected: %v", err)
	}
}

func TestDeleteProjectKeepsTasks(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{relaySel("Overcurrent", "Pickup")})
	if _, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project should be gone, got %v", err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks are not cascaded on project delete, got %d (%v)", len(tasks), err)
	}
}

func TestDeleteProjectRecordsAuditEvent(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, nil)
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project should be gone, got %v", err)
	}
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, evt := range evts {
		if evt.Type == "project.deleted" && evt.ActorID == "tester" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no project.deleted event recorded, got %+v", evts)
	}
}

func TestStatusSummary(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{
		relaySel("Overcurrent", "Pickup"),
		relaySel("Differential", "Slope Characteristic"),
	})
	if _, err := env.Engine.GenerateTasks(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Groups != 2 || st.LinkedTasks != 2 {
		t.Fatalf("want 2 groups / 2 linked tasks, got %+v", st)
	}
	if st.TaskCounts["pending"] != 2 {
		t.Fatalf("want 2 pending, got %+v", st.TaskCounts)
	}
}

func TestReplaceActivitiesDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	newRelayProject(t, env, []domain.ActivitySelection{relaySel("Overcurrent", "Pickup")})
	p, err := env.Engine.ReplaceActivities(env.Ctx, "proj-1", []domain.ActivitySelection{
		relaySel("Differential", "Slope Characteristic"),
		relaySel("Differential", "Slope Characteristic"),
		relaySel("Differential", "Harmonic Restraint"),
	}, "tester")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(p.Activities) != 2 {
		t.Fatalf("want 2 selections after replace, got %d", len(p.Activities))
	}
	for _, sel := range p.Activities {
		if sel.Subcategory != "Differential" {
			t.Fatalf("old selections should be gone, got %+v", sel)
		}
	}
}
