package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/Pollexy/internal/confirmation"
	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/scheduler"
	"github.com/BTreeMap/Pollexy/internal/store"
	"github.com/BTreeMap/Pollexy/internal/testutil"
)

var testNow = time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	srv       *Server
	store     *store.InMemoryStore
	broker    *confirmation.Broker
	upserted  []string
	deleted   []string
	refreshed int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	core := testutil.NewCore(t, st, st, testutil.FixedClock{At: testNow})
	ts := &testServer{store: st, broker: confirmation.NewBroker()}
	srv, err := NewServer(Config{
		Scheduler: core.Engine,
		People:    st,
		Locations: st,
		Resolver:  core.Resolver,
		Replies:   ts.broker,
		Hooks: Hooks{
			LocationUpserted: func(l *models.Location) { ts.upserted = append(ts.upserted, l.Name) },
			LocationDeleted:  func(name string) { ts.deleted = append(ts.deleted, name) },
			PeopleChanged:    func(ctx context.Context) { ts.refreshed++ },
		},
	}, WithAddr(":0"))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts.srv = srv
	return ts
}

type apiResult struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, apiResult) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	var res apiResult
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
			t.Fatalf("%s %s: invalid JSON response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, res
}

func danaPerson() models.Person {
	return models.Person{
		AvailabilityWindows: []models.AvailabilityWindow{testutil.AllDayWindow("kitchen")},
	}
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error for empty config")
	}
	ts := newTestServer(t)
	if ts.srv.Addr() != ":0" {
		t.Errorf("Addr = %q", ts.srv.Addr())
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, res := ts.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || res.Status != string(models.APIStatusOK) {
		t.Errorf("health = %d %+v", code, res)
	}
}

func TestPeopleAndLocations(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, http.MethodPut, "/people/Dana", danaPerson())
	testutil.AssertHTTPStatus(t, http.StatusOK, code, "PUT person")
	if ts.refreshed != 1 {
		t.Errorf("PeopleChanged hook calls = %d", ts.refreshed)
	}
	code, res := ts.do(t, http.MethodGet, "/people/Dana", nil)
	if code != http.StatusOK {
		t.Fatalf("GET person = %d", code)
	}
	var p models.Person
	json.Unmarshal(res.Result, &p)
	if p.Name != "Dana" || len(p.AvailabilityWindows) != 1 || p.AvailabilityWindows[0].Duration != 24*time.Hour {
		t.Errorf("person = %+v", p)
	}

	bad := danaPerson()
	bad.AvailabilityWindows[0].Rule = "not a rule"
	if code, _ := ts.do(t, http.MethodPut, "/people/Eve", bad); code != http.StatusBadRequest {
		t.Errorf("invalid window rule = %d, want 400", code)
	}
	if code, _ := ts.do(t, http.MethodPut, "/people/Eve", "{not json"); code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", code)
	}

	if code, _ := ts.do(t, http.MethodPut, "/locations/kitchen", models.Location{Channel: models.ChannelSpeaker}); code != http.StatusOK {
		t.Fatalf("PUT location = %d", code)
	}
	if code, _ := ts.do(t, http.MethodPut, "/locations/attic", models.Location{Channel: "pigeon"}); code != http.StatusBadRequest {
		t.Errorf("invalid channel = %d, want 400", code)
	}
	if len(ts.upserted) != 1 || ts.upserted[0] != "kitchen" {
		t.Errorf("LocationUpserted hook = %v", ts.upserted)
	}
	if code, _ := ts.do(t, http.MethodPut, "/locations/kitchen/motion", map[string]bool{"detected": true}); code != http.StatusOK {
		t.Errorf("PUT motion = %d", code)
	}
	l, _ := ts.store.GetLocation(context.Background(), "kitchen")
	if !l.MotionDetected || l.MotionAt == nil || !l.MotionAt.Equal(testNow) {
		t.Errorf("motion not recorded: %+v", l)
	}

	code, res = ts.do(t, http.MethodGet, "/people/Dana/availability?at=2023-01-01T09:00:00Z", nil)
	if code != http.StatusOK {
		t.Fatalf("availability = %d", code)
	}
	var avail struct {
		Locations []string `json:"locations"`
	}
	json.Unmarshal(res.Result, &avail)
	if len(avail.Locations) != 1 || avail.Locations[0] != "kitchen" {
		t.Errorf("availability = %+v", avail)
	}
	if code, _ := ts.do(t, http.MethodGet, "/people/Dana/availability?at=yesterday", nil); code != http.StatusBadRequest {
		t.Errorf("bad at = %d, want 400", code)
	}

	if code, _ := ts.do(t, http.MethodDelete, "/locations/kitchen", nil); code != http.StatusOK {
		t.Errorf("DELETE location = %d", code)
	}
	if code, _ := ts.do(t, http.MethodDelete, "/people/Nobody", nil); code != http.StatusNotFound {
		t.Errorf("DELETE unknown person = %d, want 404", code)
	}
	if len(ts.deleted) != 1 {
		t.Errorf("LocationDeleted hook = %v", ts.deleted)
	}
}

func TestMessageLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/people/Dana", danaPerson())

	code, res := ts.do(t, http.MethodPost, "/messages", models.ScheduleRequest{
		PersonName: "Dana",
		Body:       "Take your vitamins",
		Frequency:  "daily",
		StartDate:  "2023-01-01",
		StartTime:  "09:00",
		TimeZone:   "UTC",
	})
	if code != http.StatusCreated || res.Status != string(models.APIStatusScheduled) {
		t.Fatalf("POST /messages = %d %+v", code, res)
	}
	var scheduled models.ScheduleResult
	testutil.MustUnmarshalJSON(t, res.Result, &scheduled)
	if scheduled.ID == "" || scheduled.NextOccurrence == nil || !scheduled.NextOccurrence.Equal(testNow) {
		t.Fatalf("schedule result = %+v", scheduled)
	}

	code, res = ts.do(t, http.MethodPost, "/cycle", nil)
	if code != http.StatusOK {
		t.Fatalf("POST /cycle = %d", code)
	}
	var report scheduler.CycleReport
	testutil.MustUnmarshalJSON(t, res.Result, &report)
	if report.Published != 1 {
		t.Errorf("cycle report = %+v", report)
	}

	code, res = ts.do(t, http.MethodPost, "/messages/"+scheduled.ID+"/outcome", map[string]string{"outcome": "success"})
	if code != http.StatusOK {
		t.Fatalf("POST outcome = %d", code)
	}
	var outcome scheduler.OutcomeResult
	json.Unmarshal(res.Result, &outcome)
	if !outcome.Applied || outcome.NextOccurrence == nil || !outcome.NextOccurrence.Equal(testNow.Add(24*time.Hour)) {
		t.Errorf("outcome = %+v", outcome)
	}
	if code, _ := ts.do(t, http.MethodPost, "/messages/"+scheduled.ID+"/outcome", map[string]string{"outcome": "maybe"}); code != http.StatusBadRequest {
		t.Errorf("invalid outcome = %d, want 400", code)
	}

	code, res = ts.do(t, http.MethodGet, "/messages?person=Dana", nil)
	var msgs []models.ScheduledMessage
	json.Unmarshal(res.Result, &msgs)
	if code != http.StatusOK || len(msgs) != 1 {
		t.Errorf("GET /messages = %d, %d messages", code, len(msgs))
	}
	if code, _ := ts.do(t, http.MethodGet, "/messages/msg_missing", nil); code != http.StatusNotFound {
		t.Errorf("GET unknown message = %d, want 404", code)
	}
}

func TestListMessagesAll(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/people/Dana", danaPerson())
	one := 1
	_, res := ts.do(t, http.MethodPost, "/messages", models.ScheduleRequest{
		PersonName: "Dana", Body: "Water the plants", Frequency: "daily", Count: &one,
		StartDate: "2023-01-01", StartTime: "09:00", TimeZone: "UTC",
	})
	var scheduled models.ScheduleResult
	testutil.MustUnmarshalJSON(t, res.Result, &scheduled)
	ts.do(t, http.MethodPost, "/cycle", nil)

	// An outcome naming an occurrence that is not queued changes nothing.
	code, res := ts.do(t, http.MethodPost, "/messages/"+scheduled.ID+"/outcome",
		map[string]any{"outcome": "success", "occurrence": testNow.Add(-24 * time.Hour)})
	testutil.AssertHTTPStatus(t, http.StatusOK, code, "POST outcome for another occurrence")
	var outcome scheduler.OutcomeResult
	testutil.MustUnmarshalJSON(t, res.Result, &outcome)
	if outcome.Applied {
		t.Errorf("outcome for another occurrence applied: %+v", outcome)
	}
	_, res = ts.do(t, http.MethodPost, "/messages/"+scheduled.ID+"/outcome",
		map[string]any{"outcome": "success", "occurrence": testNow})
	testutil.MustUnmarshalJSON(t, res.Result, &outcome)
	if !outcome.Applied || !outcome.IsExhausted {
		t.Fatalf("outcome = %+v", outcome)
	}

	var msgs []models.ScheduledMessage
	_, res = ts.do(t, http.MethodGet, "/messages?person=Dana", nil)
	testutil.MustUnmarshalJSON(t, res.Result, &msgs)
	if len(msgs) != 0 {
		t.Errorf("exhausted message listed without all: %d", len(msgs))
	}
	_, res = ts.do(t, http.MethodGet, "/messages?person=Dana&all=true", nil)
	testutil.MustUnmarshalJSON(t, res.Result, &msgs)
	if len(msgs) != 1 {
		t.Errorf("GET /messages?all=true returned %d messages, want 1", len(msgs))
	}
}

func TestScheduleValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/people/Dana", danaPerson())
	cases := map[string]models.ScheduleRequest{
		"empty body":   {PersonName: "Dana", Frequency: "daily"},
		"bad zone":     {PersonName: "Dana", Body: "hi", Frequency: "daily", TimeZone: "Mars/Olympus"},
		"bad rule":     {PersonName: "Dana", Body: "hi", RuleText: "FREQ=SOMETIMES"},
		"no frequency": {PersonName: "Dana", Body: "hi"},
	}
	for name, req := range cases {
		if code, _ := ts.do(t, http.MethodPost, "/messages", req); code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", name, code)
		}
	}
}

func TestResetLocation(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/people/Dana", danaPerson())
	ts.do(t, http.MethodPost, "/messages", models.ScheduleRequest{
		PersonName: "Dana", Body: "Stretch", Frequency: "daily", StartDate: "2023-01-01", StartTime: "09:00", TimeZone: "UTC",
	})
	ts.do(t, http.MethodPost, "/cycle", nil)

	code, res := ts.do(t, http.MethodPost, "/locations/kitchen/reset", nil)
	if code != http.StatusOK {
		t.Fatalf("reset = %d", code)
	}
	var out map[string]int
	json.Unmarshal(res.Result, &out)
	if out["messages"] != 1 {
		t.Errorf("reset messages = %v", out)
	}
}

func TestResponseSubmitsToWaiters(t *testing.T) {
	ts := newTestServer(t)
	got := make(chan string, 1)
	go func() {
		text, _, _ := ts.broker.Await(context.Background(), "kitchen", "Dana", 2*time.Second)
		got <- text
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, res := ts.do(t, http.MethodPost, "/locations/kitchen/responses", map[string]string{"text": "yes"})
		var out map[string]int
		json.Unmarshal(res.Result, &out)
		if out["waiters"] == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if text := <-got; text != "yes" {
		t.Errorf("waiter got %q", text)
	}
}
