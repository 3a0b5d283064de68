package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/exit1dev/monitor/internal/alert"
	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

const testToken = "test-admin-token"

type stubProber struct {
	out *model.ProbeOutcome
	err error
}

func (p *stubProber) ProbeNow(_ context.Context, checkID string) (*model.ProbeOutcome, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := *p.out
	out.CheckID = checkID
	return &out, nil
}

type stubDispatcher struct {
	result alert.Result
	calls  int
	lastEv *alert.Event
}

func (d *stubDispatcher) Dispatch(_ context.Context, _ *model.AlertSubscription, ev *alert.Event) alert.Result {
	d.calls++
	d.lastEv = ev
	return d.result
}

type testServer struct {
	handler    http.Handler
	store      *store.Store
	prober     *stubProber
	dispatcher *stubDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	prober := &stubProber{out: &model.ProbeOutcome{ID: "out-1", Kind: model.OutcomeOK, ResponseTimeMs: 42}}
	dispatcher := &stubDispatcher{result: alert.Result{Disposition: alert.Delivered}}

	srv := NewServer(ServerConfig{
		Port:          0,
		AdminToken:    testToken,
		DefaultRegion: "eu",
		Store:         st,
		Prober:        prober,
		Dispatcher:    dispatcher,
		Metrics:       metrics.New(),
	})
	return &testServer{handler: srv.Handler(), store: st, prober: prober, dispatcher: dispatcher}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewBuffer(b)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, rec).Error.Code
}

func validCheckBody() map[string]any {
	return map[string]any{
		"user_id":          "user-1",
		"url":              "https://example.com/health",
		"name":             "Example",
		"interval_seconds": 300,
		"tier":             "free",
	}
}

func createCheck(t *testing.T, ts *testServer) model.Check {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/checks", validCheckBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create check: %d %s", rec.Code, rec.Body.String())
	}
	return decode[model.Check](t, rec)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/checks?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/checks?user_id=user-1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("metrics body missing runtime collectors")
	}
}

func TestCreateCheck(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	if !ValidateUUID(c.ID) {
		t.Fatalf("id = %q, want UUID", c.ID)
	}
	if c.Region != "eu" {
		t.Fatalf("region = %q, want server default", c.Region)
	}
	if !c.Enabled || c.Status != model.StatusUnknown {
		t.Fatalf("check = %+v", c)
	}
	// Redirects are followed by default; opting out turns any redirect
	// into a redirect outcome instead.
	if !c.FollowRedirects || !c.TreatRedirectAsOnline {
		t.Fatalf("redirect defaults = follow:%v treat:%v", c.FollowRedirects, c.TreatRedirectAsOnline)
	}
	if c.NextDueNs == 0 {
		t.Fatal("next_due_ns not set")
	}
}

func TestCreateCheckRedirectOptOut(t *testing.T) {
	ts := newTestServer(t)

	body := validCheckBody()
	body["follow_redirects"] = false
	rec := ts.do(t, http.MethodPost, "/api/v1/checks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create check: %d %s", rec.Code, rec.Body.String())
	}
	c := decode[model.Check](t, rec)
	if c.FollowRedirects {
		t.Fatal("explicit opt-out must persist follow_redirects = false")
	}
}

func TestCreateCheckValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"missing url", func(b map[string]any) { delete(b, "url") }, "ConfigInvalid"},
		{"bad scheme", func(b map[string]any) { b["url"] = "ftp://example.com" }, "ConfigInvalid"},
		{"relative url", func(b map[string]any) { b["url"] = "/health" }, "ConfigInvalid"},
		{"missing user", func(b map[string]any) { delete(b, "user_id") }, "ConfigInvalid"},
		{"bad method", func(b map[string]any) { b["method"] = "TRACE" }, "ConfigInvalid"},
		{"interval below tier", func(b map[string]any) { b["interval_seconds"] = 60 }, "ConfigInvalid"},
		{"unknown region", func(b map[string]any) { b["region"] = "mars" }, "ConfigInvalid"},
		{"bad status code", func(b map[string]any) { b["expected_status_codes"] = []int{700} }, "ConfigInvalid"},
		{"unknown field", func(b map[string]any) { b["bogus"] = true }, "InvalidArgument"},
	}
	for _, tc := range cases {
		body := validCheckBody()
		tc.mutate(body)
		rec := ts.do(t, http.MethodPost, "/api/v1/checks", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", tc.name, rec.Code)
		}
		if code := errorCode(t, rec); code != tc.code {
			t.Fatalf("%s: code %q, want %q", tc.name, code, tc.code)
		}
	}
}

func TestProTierAllowsShortInterval(t *testing.T) {
	ts := newTestServer(t)
	body := validCheckBody()
	body["tier"] = "pro"
	body["interval_seconds"] = 30

	rec := ts.do(t, http.MethodPost, "/api/v1/checks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetAndListChecks(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	rec := ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	got := decode[model.Check](t, rec)
	if got.ID != c.ID || got.URL != c.URL {
		t.Fatalf("got = %+v", got)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/checks?user_id=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	list := decode[ListResponse[model.Check]](t, rec)
	if list.Count != 1 || list.Items[0].ID != c.ID {
		t.Fatalf("list = %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/checks/missing-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: %d", rec.Code)
	}
}

func TestUpdateCheckPreservesRuntimeState(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	// Give the check some runtime state out of band.
	if _, _, err := ts.store.UpdateCheckState(c.ID, time.Now().UnixNano(), func(mc *model.Check) {
		mc.Status = model.StatusOnline
		mc.ConsecutiveFailures = 0
		mc.LastResponseTimeMs = 88
	}); err != nil {
		t.Fatalf("seed runtime state: %v", err)
	}

	body := validCheckBody()
	body["name"] = "Renamed"
	rec := ts.do(t, http.MethodPut, "/api/v1/checks/"+c.ID, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[model.Check](t, rec)
	if got.Name != "Renamed" {
		t.Fatalf("name = %q", got.Name)
	}
	if got.Status != model.StatusOnline || got.LastResponseTimeMs != 88 {
		t.Fatalf("runtime state lost: %+v", got)
	}
}

func TestDeleteCheckPurges(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	rec := ts.do(t, http.MethodDelete, "/api/v1/checks/"+c.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodDelete, "/api/v1/checks/"+c.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete: %d", rec.Code)
	}
}

func TestToggleCheckClearsAutoDisable(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/v1/checks/"+c.ID+"/actions/toggle", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle off: %d", rec.Code)
	}
	if got := decode[model.Check](t, rec); got.Enabled {
		t.Fatal("still enabled after toggle")
	}

	// Simulate an auto-disable while off.
	disabled, err := ts.store.GetCheck(c.ID)
	if err != nil {
		t.Fatalf("get check: %v", err)
	}
	disabled.Disabled = true
	disabled.DisabledReason = "sustained_failure"
	disabled.ConsecutiveFailures = 99
	if err := ts.store.UpsertCheck(disabled); err != nil {
		t.Fatalf("seed disabled state: %v", err)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/checks/"+c.ID+"/actions/toggle", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle on: %d", rec.Code)
	}
	got := decode[model.Check](t, rec)
	if !got.Enabled || got.Disabled || got.DisabledReason != "" || got.ConsecutiveFailures != 0 {
		t.Fatalf("auto-disable not cleared: %+v", got)
	}
}

func TestManualProbe(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/v1/checks/"+c.ID+"/actions/probe", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("probe: %d %s", rec.Code, rec.Body.String())
	}
	out := decode[model.ProbeOutcome](t, rec)
	if out.Kind != model.OutcomeOK || out.CheckID != c.ID {
		t.Fatalf("outcome = %+v", out)
	}

	ts.prober.err = store.ErrNotFound
	rec = ts.do(t, http.MethodPost, "/api/v1/checks/"+c.ID+"/actions/probe", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("probe missing: %d", rec.Code)
	}
}

func TestCheckHistoryAndStats(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		kind := model.OutcomeOK
		if i == 4 {
			kind = model.OutcomeTimeout
		}
		err := ts.store.InsertOutcome(&model.ProbeOutcome{
			ID:             fmt.Sprintf("o%d", i),
			CheckID:        c.ID,
			UserID:         "user-1",
			Region:         "eu-west",
			TimestampNs:    base.Add(time.Duration(i) * time.Minute).UnixNano(),
			Kind:           kind,
			ResponseTimeMs: int64(100 + i),
			ResolvedIPs:    []string{"192.0.2.1"},
		})
		if err != nil {
			t.Fatalf("insert outcome: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID+"/history?limit=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}
	hist := decode[ListResponse[model.ProbeOutcome]](t, rec)
	if hist.Count != 3 || hist.Items[0].ID != "o4" {
		t.Fatalf("history = %+v", hist)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID+"/history?kind=timeout", nil)
	hist = decode[ListResponse[model.ProbeOutcome]](t, rec)
	if hist.Count != 1 || hist.Items[0].Kind != model.OutcomeTimeout {
		t.Fatalf("filtered history = %+v", hist)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	stats := decode[store.CheckStats](t, rec)
	if stats.TotalProbes != 5 || stats.FailureCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID+"/history?limit=nope", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestCheckRollups(t *testing.T) {
	ts := newTestServer(t)
	c := createCheck(t, ts)

	day := store.DayOf(time.Now().UnixNano())
	err := ts.store.ApplyRollupDelta(c.ID, day, store.RollupDelta{
		Probes: 10, Failures: 2, HasIssue: true, Kind: model.OutcomeTimeout, ResponseTimeMs: 120,
	}, time.Now().UnixNano())
	if err != nil {
		t.Fatalf("seed rollup: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID+"/rollups", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollups: %d", rec.Code)
	}
	list := decode[ListResponse[model.DailyRollup]](t, rec)
	if list.Count != 1 || list.Items[0].Day != day || list.Items[0].TotalProbes != 10 {
		t.Fatalf("rollups = %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/checks/"+c.ID+"/rollups?from=notaday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day: %d", rec.Code)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{
		"recipient": "https://example.com/hook",
		"secret":    "s3cret",
	}
	rec := ts.do(t, http.MethodPut, "/api/v1/users/user-1/subscriptions/webhook", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	sub := decode[model.AlertSubscription](t, rec)
	if sub.Channel != model.ChannelWebhook || !sub.Enabled {
		t.Fatalf("sub = %+v", sub)
	}
	if len(sub.Events) != 2 {
		t.Fatalf("default events = %v", sub.Events)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/users/user-1/subscriptions/webhook", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/users/user-1/subscriptions", nil)
	list := decode[ListResponse[model.AlertSubscription]](t, rec)
	if list.Count != 1 {
		t.Fatalf("list = %+v", list)
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/users/user-1/subscriptions/webhook", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/users/user-1/subscriptions/webhook", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/v1/users/user-1/subscriptions/pigeon",
		map[string]any{"recipient": "https://example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad channel: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPut, "/api/v1/users/user-1/subscriptions/webhook",
		map[string]any{"recipient": "not-a-url"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "ConfigInvalid" {
		t.Fatalf("bad recipient: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPut, "/api/v1/users/user-1/subscriptions/webhook",
		map[string]any{"recipient": "https://example.com", "events": []string{"exploded"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad event: %d", rec.Code)
	}

	// Email recipients are not URL-validated.
	rec = ts.do(t, http.MethodPut, "/api/v1/users/user-1/subscriptions/email",
		map[string]any{"recipient": "ops@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("email recipient: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubscriptionTestFire(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/api/v1/users/user-1/subscriptions/webhook",
		map[string]any{"recipient": "https://example.com/hook"})

	rec := ts.do(t, http.MethodPost, "/api/v1/users/user-1/subscriptions/webhook/actions/test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("test fire: %d %s", rec.Code, rec.Body.String())
	}
	if ts.dispatcher.calls != 1 {
		t.Fatalf("dispatcher calls = %d", ts.dispatcher.calls)
	}
	if ts.dispatcher.lastEv.Kind != model.EventCameOnline {
		t.Fatalf("event kind = %s", ts.dispatcher.lastEv.Kind)
	}

	ts.dispatcher.result = alert.Result{Disposition: alert.Failed, Reason: "delivery"}
	rec = ts.do(t, http.MethodPost, "/api/v1/users/user-1/subscriptions/webhook/actions/test", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed test fire: %d", rec.Code)
	}
}

func TestUserUsage(t *testing.T) {
	ts := newTestServer(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := ts.store.IncrementBudget(store.BudgetHour, "user-1", model.ChannelWebhook, alert.HourWindowStart(now)); err != nil {
			t.Fatalf("seed budget: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/users/user-1/usage?tier=free", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: %d", rec.Code)
	}
	type channelUsage struct {
		Channel model.Channel     `json:"channel"`
		Hour    model.BudgetUsage `json:"hour"`
		Month   model.BudgetUsage `json:"month"`
	}
	list := decode[ListResponse[channelUsage]](t, rec)
	if list.Count != 3 {
		t.Fatalf("usage channels = %d", list.Count)
	}
	for _, u := range list.Items {
		if u.Channel == model.ChannelWebhook {
			if u.Hour.Count != 3 || u.Hour.Max != 10 || u.Month.Count != 0 || u.Month.Max != 100 {
				t.Fatalf("webhook usage = %+v", u)
			}
		}
	}
}
