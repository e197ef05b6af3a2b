package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(""))
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createRelayProject(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":      "proj-1",
		"name":    "Substation A retrofit",
		"systems": []string{"RELAY"},
		"team":    []string{"amr"},
		"activities": []map[string]string{
			{"system": "RELAY", "category": "Protection Relays", "subcategory": "Overcurrent", "activity": "Pickup"},
			{"system": "RELAY", "category": "Protection Relays", "subcategory": "Overcurrent", "activity": "Timing"},
			{"system": "RELAY", "category": "Protection Relays", "subcategory": "Differential", "activity": "Slope Characteristic"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p.ID
}

func TestGenerateAndSyncFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID := createRelayProject(t, srv)

	genRes, genBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/tasks/generate", nil, nil)
	if genRes.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", genRes.StatusCode, string(genBody))
	}
	var gen GenerateResponse
	if err := json.Unmarshal(genBody, &gen); err != nil {
		t.Fatalf("unmarshal generate: %v", err)
	}
	if gen.Groups != 2 || gen.Created != 2 {
		t.Fatalf("want 2 groups / 2 created, got %+v", gen)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/tasks?linked_only=true", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", listRes.StatusCode, string(listBody))
	}
	var page paginatedTasks
	if err := json.Unmarshal(listBody, &page); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("want 2 linked tasks, got %d", len(page.Items))
	}

	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/"+projectID+"/tasks/"+page.Items[0].ID, nil, nil)
	if delRes.StatusCode != http.StatusNoContent && delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete task: %d %s", delRes.StatusCode, string(delBody))
	}

	syncRes, syncBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync", nil, nil)
	if syncRes.StatusCode != http.StatusOK {
		t.Fatalf("sync: %d %s", syncRes.StatusCode, string(syncBody))
	}
	var sync SyncResponse
	if err := json.Unmarshal(syncBody, &sync); err != nil {
		t.Fatalf("unmarshal sync: %v", err)
	}
	if sync.ProcessedProjects != 1 || sync.TasksCreated != 1 || sync.TasksPruned != 0 {
		t.Fatalf("want the deleted task recreated, got %+v", sync)
	}
}

func TestGenerateWithoutActivitiesIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":   "empty-1",
		"name": "No selections yet",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	genRes, genBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/empty-1/tasks/generate", nil, nil)
	if genRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", genRes.StatusCode, string(genBody))
	}
}

func TestToggleActivityEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID := createRelayProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/activities/toggle", map[string]any{
		"system":      "RELAY",
		"category":    "Protection Relays",
		"subcategory": "Overcurrent",
		"activity":    "Pickup",
		"checked":     false,
	}, map[string]string{"X-Actor-Id": "lina"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if len(p.Activities) != 2 {
		t.Fatalf("want 2 selections after untoggle, got %d", len(p.Activities))
	}

	actRes, actBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/activities", nil, nil)
	if actRes.StatusCode != http.StatusOK {
		t.Fatalf("activities: %d %s", actRes.StatusCode, string(actBody))
	}
	var act ProjectActivitiesResponse
	if err := json.Unmarshal(actBody, &act); err != nil {
		t.Fatalf("unmarshal activities: %v", err)
	}
	if len(act.Groups) != 2 {
		t.Fatalf("want 2 groups, got %+v", act.Groups)
	}
}

func TestTaxonomyEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/taxonomy", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("taxonomy: %d %s", res.StatusCode, string(data))
	}
	var systems []TaxonomySystemResponse
	if err := json.Unmarshal(data, &systems); err != nil {
		t.Fatalf("unmarshal taxonomy: %v", err)
	}
	if len(systems) == 0 || systems[0].System != "MV SWGR" {
		t.Fatalf("unexpected taxonomy ordering: %+v", systems)
	}

	badRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/taxonomy/NOPE", nil, nil)
	if badRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown system, got %d", badRes.StatusCode)
	}
}

func TestUnknownSystemRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":    "Bad system",
		"systems": []string{"HV SWGR"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}
}

func TestEventsRecorded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID := createRelayProject(t, srv)
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/tasks/generate", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", res.StatusCode, string(body))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range page.Items {
		types[evt.Type] = true
	}
	if !types["project.created"] || !types["project.tasks.generated"] {
		t.Fatalf("missing expected event types: %+v", types)
	}
}

func TestFleetEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID := createRelayProject(t, srv)
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/tasks/generate", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", res.StatusCode, string(body))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("expected events across the fleet")
	}

	filtRes, filtData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=project.tasks.generated", nil, nil)
	if filtRes.StatusCode != http.StatusOK {
		t.Fatalf("filtered events: %d %s", filtRes.StatusCode, string(filtData))
	}
	var filtered paginatedEvents
	if err := json.Unmarshal(filtData, &filtered); err != nil {
		t.Fatalf("unmarshal filtered events: %v", err)
	}
	if len(filtered.Items) != 1 || filtered.Items[0].Type != "project.tasks.generated" {
		t.Fatalf("type filter not applied: %+v", filtered.Items)
	}
}

func TestUpdateTaskWrongProjectLeavesTaskUntouched(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, id := range []string{"proj-a", "proj-b"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
			"id":   id,
			"name": "Site " + id,
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", id, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-b/tasks", map[string]any{
		"title": "original title",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	patchRes, patchBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/proj-a/tasks/"+created.ID, map[string]any{
		"title": "hijacked",
	}, nil)
	if patchRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong project, got %d %s", patchRes.StatusCode, string(patchBody))
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-b/tasks/"+created.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", getRes.StatusCode, string(getBody))
	}
	var got TaskResponse
	if err := json.Unmarshal(getBody, &got); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if got.Title != "original title" {
		t.Fatalf("task was modified through the wrong project: %q", got.Title)
	}
}

func TestEventFilterMatching(t *testing.T) {
	cases := []struct {
		patterns []string
		evt      string
		want     bool
	}{
		{nil, "project.created", true},
		{[]string{"*"}, "task.deleted", true},
		{[]string{"project.tasks.*"}, "project.tasks.generated", true},
		{[]string{"project.tasks.*"}, "project.created", false},
		{[]string{"task.created"}, "task.created", true},
		{[]string{"task.created"}, "task.updated", false},
		{[]string{" ", ""}, "anything", true},
	}
	for _, tc := range cases {
		f := newEventFilter(tc.patterns)
		if got := f.match(tc.evt); got != tc.want {
			t.Errorf("patterns %v, event %q: got %v want %v", tc.patterns, tc.evt, got, tc.want)
		}
	}
}
