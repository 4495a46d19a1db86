package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"checkpoint/internal/domain"
	"checkpoint/internal/progress"
	"checkpoint/pkg/sentinel"
)

type authenticateRequest struct {
	User string `json:"user"`
	Pin  string `json:"pin"`
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	token, err := h.authn.Authenticate(r.Context(), req.User, req.Pin)
	if err != nil {
		if errors.Is(err, sentinel.ErrUnavailable) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type redeemRequest struct {
	CodeID string `json:"codeId"`
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing actor"})
		return
	}
	channel, ok := channelFor(actor)
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "unknown sign-in provider"})
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := h.redeemer.Redeem(r.Context(), req.CodeID, actor, channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleImportParticipants(w http.ResponseWriter, r *http.Request) {
	competitionID := chi.URLParam(r, "competitionID")
	summary, err := h.importer.ImportParticipants(r.Context(), competitionID, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

func (h *Handler) handleImportAddons(w http.ResponseWriter, r *http.Request) {
	competitionID := chi.URLParam(r, "competitionID")
	summary, err := h.importer.ImportAddons(r.Context(), competitionID, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

func (h *Handler) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	competitionID := chi.URLParam(r, "competitionID")
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = string(domain.ChunkParticipants)
	}

	snap, err := h.tracker.Get(r.Context(), progress.ImportID(competitionID, kind))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleImportCompetitions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.admin.ImportCompetitions(r.Context(), r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": ids})
}

type saveAgentRequest struct {
	User    string   `json:"user"`
	Pin     string   `json:"pin"`
	Roles   []string `json:"roles"`
	Enabled bool     `json:"enabled"`
}

func (h *Handler) handleSaveAgent(w http.ResponseWriter, r *http.Request) {
	var req saveAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	agent := domain.Agent{User: req.User, Roles: req.Roles, Enabled: req.Enabled}
	if err := h.admin.SaveAgent(r.Context(), agent, req.Pin); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user": agent.User})
}

func (h *Handler) handleResetCodes(w http.ResponseWriter, r *http.Request) {
	competitionID := chi.URLParam(r, "competitionID")
	count, err := h.admin.ResetCodes(r.Context(), competitionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": count})
}

func (h *Handler) handleRetryGeneration(w http.ResponseWriter, r *http.Request) {
	competitionID := chi.URLParam(r, "competitionID")
	count, err := h.admin.RetryGeneration(r.Context(), competitionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"announced": count})
}

type retryCodesRequest struct {
	CodeIDs []string `json:"codeIds"`
}

func (h *Handler) handleRetryGenerationForCodes(w http.ResponseWriter, r *http.Request) {
	var req retryCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.CodeIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "codeIds required"})
		return
	}
	count, err := h.admin.RetryGenerationForCodes(r.Context(), req.CodeIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"announced": count})
}
