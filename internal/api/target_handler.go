package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/poller"
)

// TargetRegistry is the scheduler's target administration surface.
type TargetRegistry interface {
	Register(model.Target) error
	Update(model.Target) error
	Remove(targetID string) error
	Target(targetID string) (model.Target, bool)
	Targets() []model.Target
	Status(targetID string) (poller.TargetStatus, error)
	DefaultInterval() time.Duration
	IsRunning() bool
}

// ConnectionTester opens a one-off session to a target.
type ConnectionTester interface {
	Test(ctx context.Context, target model.Target) (time.Duration, error)
}

// CredentialPolicy decides which credential references a target may carry.
type CredentialPolicy interface {
	Check(ref string) error
}

// TargetHandler serves /api/v1/targets.
type TargetHandler struct {
	registry    TargetRegistry
	tester      ConnectionTester
	credentials CredentialPolicy
	testTimeout time.Duration
	logger      *slog.Logger
}

func NewTargetHandler(registry TargetRegistry, tester ConnectionTester, credentials CredentialPolicy, testTimeout time.Duration, logger *slog.Logger) *TargetHandler {
	return &TargetHandler{
		registry:    registry,
		tester:      tester,
		credentials: credentials,
		testTimeout: testTimeout,
		logger:      logger.With("component", "target_api"),
	}
}

// checkCredentials rejects references the server is not allowed to read on
// behalf of an API caller.
func (h *TargetHandler) checkCredentials(target model.Target) error {
	if err := h.credentials.Check(target.CredentialRef); err != nil {
		return walerrors.NewConfigError("credential_ref", err.Error())
	}
	return nil
}

// TestResponse reports a successful connection test.
type TestResponse struct {
	TargetID  string  `json:"target_id"`
	Reachable bool    `json:"reachable"`
	LatencyMS float64 `json:"latency_ms"`
}

// List handles GET /api/v1/targets
func (h *TargetHandler) List(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.registry.Targets())
}

// Create handles POST /api/v1/targets
func (h *TargetHandler) Create(w http.ResponseWriter, r *http.Request) {
	target, ok := decodeJSON[model.Target](w, r)
	if !ok {
		return
	}
	if handleError(w, r, h.checkCredentials(target)) {
		return
	}
	if handleError(w, r, h.registry.Register(target)) {
		return
	}
	w.Header().Set("Location", "/api/v1/targets/"+target.ID)
	sendJSON(w, http.StatusCreated, target)
}

// Get handles GET /api/v1/targets/{id}
func (h *TargetHandler) Get(w http.ResponseWriter, r *http.Request) {
	target, ok := h.registry.Target(chi.URLParam(r, "id"))
	if !ok {
		handleError(w, r, walerrors.ErrTargetNotFound)
		return
	}
	sendJSON(w, http.StatusOK, target)
}

// Update handles PUT /api/v1/targets/{id}. The body's id may be omitted but
// must match the path when present.
func (h *TargetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target, ok := decodeJSON[model.Target](w, r)
	if !ok {
		return
	}
	if target.ID == "" {
		target.ID = id
	}
	if target.ID != id {
		sendError(w, r, http.StatusBadRequest, "ID_MISMATCH", "Body id does not match path", nil)
		return
	}
	if handleError(w, r, h.checkCredentials(target)) {
		return
	}
	if handleError(w, r, h.registry.Update(target)) {
		return
	}
	sendJSON(w, http.StatusOK, target)
}

// Delete handles DELETE /api/v1/targets/{id}
func (h *TargetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if handleError(w, r, h.registry.Remove(chi.URLParam(r, "id"))) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Test handles POST /api/v1/targets/{id}/test
func (h *TargetHandler) Test(w http.ResponseWriter, r *http.Request) {
	target, ok := h.registry.Target(chi.URLParam(r, "id"))
	if !ok {
		handleError(w, r, walerrors.ErrTargetNotFound)
		return
	}
	h.runTest(w, r, target)
}

// TestUnregistered handles POST /api/v1/test with a target definition in the
// body, so a target can be checked before it is registered.
func (h *TargetHandler) TestUnregistered(w http.ResponseWriter, r *http.Request) {
	target, ok := decodeJSON[model.Target](w, r)
	if !ok {
		return
	}
	if handleError(w, r, model.ValidateTarget(target)) {
		return
	}
	if handleError(w, r, h.checkCredentials(target)) {
		return
	}
	h.runTest(w, r, target)
}

func (h *TargetHandler) runTest(w http.ResponseWriter, r *http.Request, target model.Target) {
	ctx, cancel := context.WithTimeout(r.Context(), h.testTimeout)
	defer cancel()

	latency, err := h.tester.Test(ctx, target)
	if err != nil {
		h.logger.Info("connection test failed", "target_id", target.ID, "error", err)
		handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, TestResponse{
		TargetID:  target.ID,
		Reachable: true,
		LatencyMS: float64(latency.Microseconds()) / 1000,
	})
}
