package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/walwatch/walwatch/internal/clock"
	"github.com/walwatch/walwatch/internal/connection"
	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/model"
)

// SnapshotReader is the read side of the snapshot store.
type SnapshotReader interface {
	Latest(targetID string) (*model.WalSnapshot, bool)
	History(targetID string, limit int) []*model.WalSnapshot
}

// ConnectionStates reports per-target connection state.
type ConnectionStates interface {
	HealthOf(targetID string) (connection.Health, error)
}

// SnapshotHandler serves the read-only telemetry endpoints. Every read is
// answered from memory.
type SnapshotHandler struct {
	registry  TargetRegistry
	snapshots SnapshotReader
	conns     ConnectionStates
	clock     clock.Clock
}

func NewSnapshotHandler(registry TargetRegistry, snapshots SnapshotReader, conns ConnectionStates, clk clock.Clock) *SnapshotHandler {
	return &SnapshotHandler{registry: registry, snapshots: snapshots, conns: conns, clock: clk}
}

// SnapshotResponse wraps the latest snapshot with freshness information.
// Snapshot is null until the first cycle completes, in which case Stale is true.
type SnapshotResponse struct {
	TargetID   string             `json:"target_id"`
	Stale      bool               `json:"stale"`
	AgeSeconds float64            `json:"age_seconds,omitempty"`
	Snapshot   *model.WalSnapshot `json:"snapshot"`
}

// HistoryResponse lists snapshots oldest first.
type HistoryResponse struct {
	TargetID  string               `json:"target_id"`
	Count     int                  `json:"count"`
	Snapshots []*model.WalSnapshot `json:"snapshots"`
}

// target resolves the {id} path parameter to a registered target.
func (h *SnapshotHandler) target(w http.ResponseWriter, r *http.Request) (model.Target, bool) {
	target, ok := h.registry.Target(chi.URLParam(r, "id"))
	if !ok {
		handleError(w, r, walerrors.ErrTargetNotFound)
	}
	return target, ok
}

// Snapshot handles GET /api/v1/targets/{id}/snapshot
func (h *SnapshotHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	target, ok := h.target(w, r)
	if !ok {
		return
	}

	resp := SnapshotResponse{TargetID: target.ID, Stale: true}
	if snap, ok := h.snapshots.Latest(target.ID); ok {
		now := h.clock.Now()
		resp.Snapshot = snap
		resp.AgeSeconds = snap.Age(now).Seconds()
		resp.Stale = snap.IsStale(now, target.PollingInterval(h.registry.DefaultInterval()))
	}
	sendJSON(w, http.StatusOK, resp)
}

// History handles GET /api/v1/targets/{id}/history?limit=N
func (h *SnapshotHandler) History(w http.ResponseWriter, r *http.Request) {
	target, ok := h.target(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	snaps := h.snapshots.History(target.ID, limit)
	if snaps == nil {
		snaps = []*model.WalSnapshot{}
	}
	sendJSON(w, http.StatusOK, HistoryResponse{TargetID: target.ID, Count: len(snaps), Snapshots: snaps})
}

// Overview handles GET /api/v1/targets/{id}/overview
func (h *SnapshotHandler) Overview(w http.ResponseWriter, r *http.Request) {
	target, ok := h.target(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, h.overview(target))
}

// Overviews handles GET /api/v1/overview, one entry per registered target.
func (h *SnapshotHandler) Overviews(w http.ResponseWriter, r *http.Request) {
	targets := h.registry.Targets()
	out := make([]model.Overview, 0, len(targets))
	for _, t := range targets {
		out = append(out, h.overview(t))
	}
	sendJSON(w, http.StatusOK, out)
}

func (h *SnapshotHandler) overview(target model.Target) model.Overview {
	snap, ok := h.snapshots.Latest(target.ID)
	if !ok {
		return model.Overview{TargetID: target.ID, Stale: true}
	}
	return snap.Overview(h.clock.Now(), target.PollingInterval(h.registry.DefaultInterval()))
}

// Connection handles GET /api/v1/targets/{id}/connection
func (h *SnapshotHandler) Connection(w http.ResponseWriter, r *http.Request) {
	state, err := h.conns.HealthOf(chi.URLParam(r, "id"))
	if handleError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, state)
}

// Schedule handles GET /api/v1/targets/{id}/schedule
func (h *SnapshotHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	status, err := h.registry.Status(chi.URLParam(r, "id"))
	if handleError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, status)
}
