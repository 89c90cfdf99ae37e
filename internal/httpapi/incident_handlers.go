package httpapi

import (
	"net/http"
	"strings"

	"custodia.org/internal/incident"
)

type escalateRequest struct {
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

type statusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type reopenRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.actor(w, r); !ok {
		return
	}
	var ev incident.RawEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inc, err := a.incidents.Classify(r.Context(), ev)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if inc == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"matched": false})
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (a *API) handleIncidentScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/incidents/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		actor, ok := a.actor(w, r)
		if !ok {
			return
		}
		inc, err := a.incidents.Get(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, inc)
		return
	}

	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch parts[1] {
	case "escalate":
		a.handleIncidentEscalate(w, r, id)
	case "status":
		a.handleIncidentStatus(w, r, id)
	case "reopen":
		a.handleIncidentReopen(w, r, id)
	case "breach":
		a.handleIncidentBreach(w, r, id)
	case "notified":
		a.handleIncidentNotified(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleIncidentEscalate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req escalateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	severity, err := incident.ParseSeverity(req.Severity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	inc, err := a.incidents.Escalate(r.Context(), actor, id, severity, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleIncidentStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := incident.ParseStatus(req.Status)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	inc, err := a.incidents.UpdateStatus(r.Context(), actor, id, status, req.Note)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleIncidentReopen(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req reopenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inc, err := a.incidents.Reopen(r.Context(), actor, id, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleIncidentBreach(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	eval, err := a.incidents.EvaluateBreach(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (a *API) handleIncidentNotified(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	inc, err := a.incidents.MarkNotified(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleAlertSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	summary, err := a.incidents.AlertSummary(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
