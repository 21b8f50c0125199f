// Package server exposes verification over HTTP. Targets are paths on the
// server's own filesystem (runs mounted from shared storage), so the API is
// an internal operations surface, not a public one.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/torus-labs/runproof/internal/closure"
	"github.com/torus-labs/runproof/internal/evidence"
	"github.com/torus-labs/runproof/internal/forensic"
	"github.com/torus-labs/runproof/internal/ledger"
	"github.com/torus-labs/runproof/internal/replay"
	"github.com/torus-labs/runproof/internal/report"
)

// API wires the verifier and comparator to HTTP handlers. The ledger store
// is optional; when nil, verdicts are returned but not persisted.
type API struct {
	logger     *slog.Logger
	verifier   *replay.Verifier
	comparator *forensic.Comparator
	verdicts   *ledger.Store
}

func NewAPI(logger *slog.Logger, verifier *replay.Verifier, comparator *forensic.Comparator, verdicts *ledger.Store) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		logger:     logger,
		verifier:   verifier,
		comparator: comparator,
		verdicts:   verdicts,
	}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/replay", api.handleReplay)
	mux.HandleFunc("POST /v1/forensic", api.handleForensic)
	mux.HandleFunc("GET /v1/verdicts", api.handleListVerdicts)
	mux.HandleFunc("GET /v1/verdicts/{verdict_id}", api.handleGetVerdict)
}

type replayRequest struct {
	Target       string `json:"target"`
	Mode         string `json:"mode,omitempty"`
	WriteReports bool   `json:"write_reports,omitempty"`
}

type replayResponse struct {
	Report    replay.Report `json:"report"`
	VerdictID string        `json:"verdict_id,omitempty"`
}

func (api *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		api.writeError(w, r, http.StatusBadRequest, "target_required")
		return
	}
	mode := closure.ModeStrict
	if strings.TrimSpace(req.Mode) != "" {
		parsed, err := closure.ParseMode(req.Mode)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_mode")
			return
		}
		mode = parsed
	}
	if _, err := os.Stat(target); err != nil {
		api.writeError(w, r, http.StatusNotFound, "target_not_found")
		return
	}

	rep, err := api.verifier.Verify(r.Context(), target, mode)
	if err != nil {
		var integrity *evidence.IntegrityError
		switch {
		case errors.Is(err, evidence.ErrManifestNotFound), errors.Is(err, closure.ErrClosureNotFound):
			api.writeError(w, r, http.StatusUnprocessableEntity, "evidence_missing")
		case errors.As(err, &integrity):
			api.writeError(w, r, http.StatusUnprocessableEntity, "evidence_tampered")
		default:
			api.logger.Error("replay verification failed", "target", target, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	if req.WriteReports {
		if err := report.WriteReplay(target, rep); err != nil {
			api.logger.Error("write replay report", "target", target, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "report_write_failed")
			return
		}
	}

	resp := replayResponse{Report: rep}
	if api.verdicts != nil {
		id, err := api.verdicts.RecordReplay(r.Context(), rep)
		if err != nil {
			api.logger.Error("record replay verdict", "target", target, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "ledger_write_failed")
			return
		}
		resp.VerdictID = id
	}
	api.writeJSON(w, http.StatusOK, resp)
}

type forensicRequest struct {
	RunA         string `json:"run_a"`
	RunB         string `json:"run_b"`
	WriteReports bool   `json:"write_reports,omitempty"`
	ReportDir    string `json:"report_dir,omitempty"`
}

type forensicResponse struct {
	Delta     forensic.Delta `json:"delta"`
	VerdictID string         `json:"verdict_id,omitempty"`
}

func (api *API) handleForensic(w http.ResponseWriter, r *http.Request) {
	var req forensicRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	runA := strings.TrimSpace(req.RunA)
	runB := strings.TrimSpace(req.RunB)
	if runA == "" || runB == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_a_and_run_b_required")
		return
	}

	delta, err := api.comparator.Compare(r.Context(), runA, runB)
	if err != nil {
		var incomparable *forensic.IncomparableRunError
		switch {
		case errors.As(err, &incomparable):
			api.writeError(w, r, http.StatusUnprocessableEntity, "incomparable_run")
		default:
			api.writeError(w, r, http.StatusBadRequest, "invalid_comparison")
		}
		return
	}

	if req.WriteReports {
		dir := strings.TrimSpace(req.ReportDir)
		if dir == "" {
			dir = runA
		}
		if err := report.WriteForensic(dir, delta); err != nil {
			api.logger.Error("write forensic delta", "dir", dir, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "report_write_failed")
			return
		}
	}

	resp := forensicResponse{Delta: delta}
	if api.verdicts != nil {
		id, err := api.verdicts.RecordForensic(r.Context(), delta)
		if err != nil {
			api.logger.Error("record forensic verdict", "run_a", runA, "run_b", runB, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "ledger_write_failed")
			return
		}
		resp.VerdictID = id
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	if api.verdicts == nil {
		api.writeError(w, r, http.StatusNotImplemented, "ledger_disabled")
		return
	}
	filter := ledger.Filter{
		Target: strings.TrimSpace(r.URL.Query().Get("target")),
		Check:  ledger.Check(strings.TrimSpace(r.URL.Query().Get("check"))),
		Limit:  100,
	}
	records, err := api.verdicts.ListVerdicts(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_filter")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"verdicts": records})
}

func (api *API) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	if api.verdicts == nil {
		api.writeError(w, r, http.StatusNotImplemented, "ledger_disabled")
		return
	}
	id := strings.TrimSpace(r.PathValue("verdict_id"))
	if id == "" {
		api.writeError(w, r, http.StatusBadRequest, "verdict_id_required")
		return
	}
	rec, err := api.verdicts.GetVerdict(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, rec)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
