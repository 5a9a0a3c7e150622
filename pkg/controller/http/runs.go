package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
	"github.com/mergegate/mergegate/pkg/usecase"
)

// RunHandler serves the run inspection and control API.
type RunHandler struct {
	runs *usecase.RunService
}

func NewRunHandler(runs *usecase.RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

// List returns runs matching the query parameters, newest first.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	q := model.RunQuery{
		OrgID:   r.URL.Query().Get("org_id"),
		State:   model.RunState(r.URL.Query().Get("state")),
		RepoID:  r.URL.Query().Get("repo_id"),
		HeadSHA: r.URL.Query().Get("head_sha"),
	}
	if v := r.URL.Query().Get("pr_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, goerr.New("invalid pr_number"), http.StatusBadRequest)
			return
		}
		q.PRNumber = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, goerr.New("invalid offset"), http.StatusBadRequest)
			return
		}
		q.Offset = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, goerr.New("invalid limit"), http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	runs, err := h.runs.List(r.Context(), q)
	if err != nil {
		ctxlog.From(r.Context()).Error("Failed to list runs", "error", err)
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// Get returns one run with its full audit trail.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	run, err := h.runs.GetWithTransitions(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Cancel aborts an in-flight run.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// An empty body means an anonymous cancel.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	run, err := h.runs.Cancel(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Replay queues a fresh attempt of a finished run.
func (h *RunHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	var req struct {
		Actor string `json:"actor"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	run, err := h.runs.Replay(r.Context(), id, req.Actor)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *RunHandler) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, goerr.New("invalid run ID"), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *RunHandler) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrRunNotFound):
		writeError(w, err, http.StatusNotFound)
	case errors.Is(err, types.ErrInvalidTransition):
		writeError(w, err, http.StatusConflict)
	case goerr.HasTag(err, types.TagState):
		writeError(w, err, http.StatusConflict)
	default:
		ctxlog.From(r.Context()).Error("Run API request failed", "error", err)
		writeError(w, err, http.StatusInternalServerError)
	}
}
