package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/walwatch/walwatch/internal/clock"
	"github.com/walwatch/walwatch/internal/config"
	"github.com/walwatch/walwatch/internal/connection"
	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/middleware"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/poller"
	"github.com/walwatch/walwatch/internal/secrets"
	"github.com/walwatch/walwatch/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRegistry is an in-memory TargetRegistry.
type fakeRegistry struct {
	targets map[string]model.Target
	running bool
}

func newFakeRegistry(targets ...model.Target) *fakeRegistry {
	r := &fakeRegistry{targets: map[string]model.Target{}, running: true}
	for _, t := range targets {
		r.targets[t.ID] = t
	}
	return r
}

func (r *fakeRegistry) Register(t model.Target) error {
	if err := model.ValidateTarget(t); err != nil {
		return err
	}
	if _, ok := r.targets[t.ID]; ok {
		return fmt.Errorf("%w: %s", walerrors.ErrTargetExists, t.ID)
	}
	r.targets[t.ID] = t
	return nil
}

func (r *fakeRegistry) Update(t model.Target) error {
	if err := model.ValidateTarget(t); err != nil {
		return err
	}
	if _, ok := r.targets[t.ID]; !ok {
		return fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, t.ID)
	}
	r.targets[t.ID] = t
	return nil
}

func (r *fakeRegistry) Remove(id string) error {
	if _, ok := r.targets[id]; !ok {
		return fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, id)
	}
	delete(r.targets, id)
	return nil
}

func (r *fakeRegistry) Target(id string) (model.Target, bool) {
	t, ok := r.targets[id]
	return t, ok
}

func (r *fakeRegistry) Targets() []model.Target {
	out := make([]model.Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b model.Target) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *fakeRegistry) Status(id string) (poller.TargetStatus, error) {
	if _, ok := r.targets[id]; !ok {
		return poller.TargetStatus{}, fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, id)
	}
	return poller.TargetStatus{TargetID: id, State: poller.StateIdle, NextRun: t0.Add(30 * time.Second)}, nil
}

func (r *fakeRegistry) DefaultInterval() time.Duration { return 30 * time.Second }
func (r *fakeRegistry) IsRunning() bool                { return r.running }

type fakeConnections struct {
	testErr  error
	latency  time.Duration
	tested   []string
	statesOf map[string]connection.Health
}

func (c *fakeConnections) Test(_ context.Context, t model.Target) (time.Duration, error) {
	c.tested = append(c.tested, t.ID)
	return c.latency, c.testErr
}

func (c *fakeConnections) HealthOf(id string) (connection.Health, error) {
	h, ok := c.statesOf[id]
	if !ok {
		return connection.Health{}, fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, id)
	}
	return h, nil
}

func testTarget(id string) model.Target {
	return model.Target{ID: id, Host: "db.internal", Port: 5432, Database: "postgres", Username: "walwatch"}
}

type apiHarness struct {
	registry  *fakeRegistry
	conns     *fakeConnections
	snapshots *store.SnapshotStore
	clock     *clock.Fake
	handler   http.Handler
}

func newAPIHarness(targets ...model.Target) *apiHarness {
	h := &apiHarness{
		registry:  newFakeRegistry(targets...),
		conns:     &fakeConnections{latency: 1500 * time.Microsecond, statesOf: map[string]connection.Health{}},
		snapshots: store.New(8),
		clock:     clock.NewFake(t0),
	}
	h.handler = NewRouter(Dependencies{
		Registry:    h.registry,
		Snapshots:   h.snapshots,
		Connections: h.conns,
		Credentials: secrets.Policy{AllowedDir: "/etc/walwatch/secrets", EnvPrefix: "WALWATCH_SECRET_"},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "walwatch_up 1\n")
		}),
		Clock:  h.clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, config.CORSConfig{}, "/metrics")
	return h
}

func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) put(t *testing.T, id string, at time.Time) {
	t.Helper()
	snap := &model.WalSnapshot{
		TargetID:    id,
		CollectedAt: at,
		Health:      model.HealthReport{Overall: health.Good},
	}
	if err := h.snapshots.Put(snap); err != nil {
		t.Fatal(err)
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var resp middleware.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	h := newAPIHarness()

	t.Run("Health", func(t *testing.T) {
		w := h.do("GET", "/health", nil)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
		var resp HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "ok" {
			t.Errorf("expected status ok, got %s", resp.Status)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		if w := h.do("GET", "/ready", nil); w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
		h.registry.running = false
		if w := h.do("GET", "/ready", nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503 when scheduler stopped, got %d", w.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		w := h.do("GET", "/metrics", nil)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "walwatch_up") {
			t.Errorf("metrics route not mounted: %d %q", w.Code, w.Body.String())
		}
	})
}

func TestTargetHandler_Create(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"valid", testTarget("orders"), http.StatusCreated, ""},
		{"duplicate", testTarget("existing"), http.StatusConflict, "CONFLICT"},
		{"invalid", model.Target{ID: "bad id!", Port: 5432}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", map[string]any{"id": "x", "colour": "red"}, http.StatusBadRequest, "INVALID_BODY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness(testTarget("existing"))
			w := h.do("POST", "/api/v1/targets", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantCode != "" {
				if got := decodeError(t, w).Error.Code; got != tt.wantCode {
					t.Errorf("expected code %s, got %s", tt.wantCode, got)
				}
			}
		})
	}
}

func TestTargetHandler_ValidationDetails(t *testing.T) {
	h := newAPIHarness()
	w := h.do("POST", "/api/v1/targets", model.Target{ID: "x", Host: "db", Database: "postgres", Username: "u"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	resp := decodeError(t, w)
	details, ok := resp.Error.Details.([]any)
	if !ok || len(details) == 0 {
		t.Fatalf("expected violation list, got %#v", resp.Error.Details)
	}
	if resp.Error.RequestID == "" {
		t.Error("expected request id in error body")
	}
}

func TestTargetHandler_CRUD(t *testing.T) {
	h := newAPIHarness(testTarget("orders"), testTarget("billing"))

	w := h.do("GET", "/api/v1/targets", nil)
	var list []model.Target
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 2 || list[0].ID != "billing" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if w := h.do("GET", "/api/v1/targets/orders", nil); w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}
	if w := h.do("GET", "/api/v1/targets/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing: expected 404, got %d", w.Code)
	}

	updated := testTarget("")
	updated.PollingIntervalMS = 5000
	if w := h.do("PUT", "/api/v1/targets/orders", updated); w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got, _ := h.registry.Target("orders"); got.PollingIntervalMS != 5000 {
		t.Errorf("update not applied: %+v", got)
	}

	if w := h.do("PUT", "/api/v1/targets/orders", testTarget("billing")); w.Code != http.StatusBadRequest {
		t.Errorf("mismatched id: expected 400, got %d", w.Code)
	}
	if w := h.do("PUT", "/api/v1/targets/nope", testTarget("nope")); w.Code != http.StatusNotFound {
		t.Errorf("update missing: expected 404, got %d", w.Code)
	}

	if w := h.do("DELETE", "/api/v1/targets/orders", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}
	if w := h.do("DELETE", "/api/v1/targets/orders", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestTargetHandler_Test(t *testing.T) {
	h := newAPIHarness(testTarget("orders"))

	w := h.do("POST", "/api/v1/targets/orders/test", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp TestResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Reachable || resp.LatencyMS != 1.5 {
		t.Errorf("unexpected test response: %+v", resp)
	}

	h.conns.testErr = walerrors.NewConnectionError("orders", "test", fmt.Errorf("dial tcp: connection refused"))
	w = h.do("POST", "/api/v1/targets/orders/test", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if !strings.Contains(decodeError(t, w).Error.Message, "connection refused") {
		t.Error("expected underlying cause in message")
	}

	if w := h.do("POST", "/api/v1/targets/nope/test", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTargetHandler_TestUnregistered(t *testing.T) {
	h := newAPIHarness()

	if w := h.do("POST", "/api/v1/test", testTarget("candidate")); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !slices.Equal(h.conns.tested, []string{"candidate"}) {
		t.Errorf("unexpected tested targets: %v", h.conns.tested)
	}
	if w := h.do("POST", "/api/v1/test", model.Target{ID: "candidate"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid target: expected 400, got %d", w.Code)
	}
	if _, ok := h.registry.Target("candidate"); ok {
		t.Error("testing must not register the target")
	}
}

func TestTargetHandler_CredentialRefPolicy(t *testing.T) {
	withRef := func(id, ref string) model.Target {
		target := testTarget(id)
		target.Host = "attacker.example.com"
		target.CredentialRef = ref
		return target
	}
	refused := []string{"file:/etc/shadow", "file:/etc/walwatch/secrets/../../passwd", "env:AWS_SECRET_ACCESS_KEY"}

	for _, ref := range refused {
		t.Run(ref, func(t *testing.T) {
			h := newAPIHarness(testTarget("orders"))

			for _, req := range []struct{ method, path string }{
				{"POST", "/api/v1/test"},
				{"POST", "/api/v1/targets"},
				{"PUT", "/api/v1/targets/orders"},
			} {
				w := h.do(req.method, req.path, withRef("orders", ref))
				if w.Code != http.StatusBadRequest {
					t.Fatalf("%s %s: expected 400, got %d", req.method, req.path, w.Code)
				}
				if got := decodeError(t, w).Error.Code; got != "VALIDATION_ERROR" {
					t.Errorf("%s %s: expected VALIDATION_ERROR, got %s", req.method, req.path, got)
				}
			}
			if len(h.conns.tested) != 0 {
				t.Errorf("refused reference reached the connection layer: %v", h.conns.tested)
			}
			if stored, _ := h.registry.Target("orders"); stored.CredentialRef != "" {
				t.Errorf("refused reference stored: %q", stored.CredentialRef)
			}
		})
	}

	t.Run("allowed", func(t *testing.T) {
		h := newAPIHarness()
		if w := h.do("POST", "/api/v1/test", withRef("candidate", "env:WALWATCH_SECRET_CANDIDATE")); w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
		if w := h.do("POST", "/api/v1/targets", withRef("orders", "file:/etc/walwatch/secrets/orders")); w.Code != http.StatusCreated {
			t.Errorf("expected 201, got %d", w.Code)
		}
	})
}

func TestSnapshotHandler_Snapshot(t *testing.T) {
	h := newAPIHarness(testTarget("orders"))

	t.Run("no snapshot yet is stale", func(t *testing.T) {
		var resp SnapshotResponse
		json.NewDecoder(h.do("GET", "/api/v1/targets/orders/snapshot", nil).Body).Decode(&resp)
		if !resp.Stale || resp.Snapshot != nil {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	h.put(t, "orders", t0.Add(-45*time.Second))

	t.Run("fresh", func(t *testing.T) {
		var resp SnapshotResponse
		json.NewDecoder(h.do("GET", "/api/v1/targets/orders/snapshot", nil).Body).Decode(&resp)
		if resp.Stale || resp.Snapshot == nil || resp.AgeSeconds != 45 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("stale after two intervals", func(t *testing.T) {
		h.clock.Advance(20 * time.Second)
		var resp SnapshotResponse
		json.NewDecoder(h.do("GET", "/api/v1/targets/orders/snapshot", nil).Body).Decode(&resp)
		if !resp.Stale {
			t.Errorf("expected stale at 65s with 30s interval: %+v", resp)
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		if w := h.do("GET", "/api/v1/targets/nope/snapshot", nil); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})
}

func TestSnapshotHandler_History(t *testing.T) {
	h := newAPIHarness(testTarget("orders"))
	for i := range 5 {
		h.put(t, "orders", t0.Add(time.Duration(i)*time.Second))
	}

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{"", http.StatusOK, 5},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=0", http.StatusOK, 5},
		{"?limit=-1", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := h.do("GET", "/api/v1/targets/orders/history"+tt.query, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp HistoryResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Count != tt.wantCount || len(resp.Snapshots) != tt.wantCount {
				t.Errorf("expected %d snapshots, got %d", tt.wantCount, resp.Count)
			}
			last := resp.Snapshots[len(resp.Snapshots)-1]
			if !last.CollectedAt.Equal(t0.Add(4 * time.Second)) {
				t.Errorf("expected most recent last, got %s", last.CollectedAt)
			}
		})
	}

	t.Run("empty history is an empty list", func(t *testing.T) {
		h.registry.targets["billing"] = testTarget("billing")
		w := h.do("GET", "/api/v1/targets/billing/history", nil)
		if !strings.Contains(w.Body.String(), `"snapshots":[]`) {
			t.Errorf("expected empty array, got %s", w.Body.String())
		}
	})
}

func TestSnapshotHandler_Overviews(t *testing.T) {
	h := newAPIHarness(testTarget("orders"), testTarget("billing"))
	h.put(t, "orders", t0)

	var resp []model.Overview
	json.NewDecoder(h.do("GET", "/api/v1/overview", nil).Body).Decode(&resp)
	if len(resp) != 2 {
		t.Fatalf("expected 2 overviews, got %d", len(resp))
	}
	if resp[0].TargetID != "billing" || !resp[0].Stale || resp[0].Overall != health.Unknown {
		t.Errorf("billing has no snapshot: %+v", resp[0])
	}
	if resp[1].TargetID != "orders" || resp[1].Stale || resp[1].Overall != health.Good {
		t.Errorf("unexpected orders overview: %+v", resp[1])
	}

	if w := h.do("GET", "/api/v1/targets/orders/overview", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestSnapshotHandler_ConnectionAndSchedule(t *testing.T) {
	h := newAPIHarness(testTarget("orders"))
	h.conns.statesOf["orders"] = connection.Health{State: connection.Active}

	w := h.do("GET", "/api/v1/targets/orders/connection", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"state":"active"`) {
		t.Errorf("unexpected connection response: %d %s", w.Code, w.Body.String())
	}

	w = h.do("GET", "/api/v1/targets/orders/schedule", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"state":"idle"`) {
		t.Errorf("unexpected schedule response: %d %s", w.Code, w.Body.String())
	}

	if w := h.do("GET", "/api/v1/targets/nope/connection", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
