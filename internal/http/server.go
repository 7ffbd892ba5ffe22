package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gustavoflandal/manutflow/internal/log"
	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/service"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the HTTP surface of the engine: definition publishing,
// event ingestion, manual transitions and instance inspection.
func NewRouter(svc *service.WorkflowService) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/definitions", publishDefinition(svc)).Methods(http.MethodPost)
	r.HandleFunc("/definitions", listDefinitions(svc)).Methods(http.MethodGet)
	r.HandleFunc("/events", ingestEvent(svc)).Methods(http.MethodPost)
	r.HandleFunc("/instances", startInstance(svc)).Methods(http.MethodPost)
	r.HandleFunc("/instances", listInstances(svc)).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", getInstance(svc)).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/history", getHistory(svc)).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/next-states", getNextStates(svc)).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/transition", transitionInstance(svc)).Methods(http.MethodPost)
	return r
}

// StartServer runs the engine's HTTP server on the given port.
func StartServer(port string, svc *service.WorkflowService) error {
	log.GetLogger().Infof("Starting manutflow server on :%s", port)
	return http.ListenAndServe(":"+port, NewRouter(svc))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "manutflow server is running")
}

func publishDefinition(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def models.Definition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			http.Error(w, fmt.Sprintf("Invalid definition payload: %v", err), http.StatusBadRequest)
			return
		}
		res, err := svc.Publish(def)
		if err != nil {
			log.GetLogger().Errorf("Failed to publish definition: %v", err)
			http.Error(w, fmt.Sprintf("Failed to publish definition: %v", err), http.StatusInternalServerError)
			return
		}
		status := http.StatusCreated
		if !res.Valid {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res)
	}
}

func listDefinitions(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		defs, err := svc.ListDefinitions()
		if err != nil {
			log.GetLogger().Errorf("Failed to list definitions: %v", err)
			http.Error(w, "Failed to list definitions", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, defs)
	}
}

type eventRequest struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// ingestEvent is fire-and-continue: trigger failures are logged inside the
// service, the event source always gets the created instances (possibly none).
func ingestEvent(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev eventRequest
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, fmt.Sprintf("Invalid event payload: %v", err), http.StatusBadRequest)
			return
		}
		if ev.Type == "" {
			http.Error(w, "Missing 'type' field", http.StatusBadRequest)
			return
		}
		created := svc.OnEvent(r.Context(), ev.Type, ev.Payload)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"instances_created": len(created),
			"instances":         created,
		})
	}
}

type startRequest struct {
	DefinitionID string                 `json:"definition_id"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Actor        *models.Actor          `json:"actor,omitempty"`
}

func startInstance(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid start payload: %v", err), http.StatusBadRequest)
			return
		}
		if req.DefinitionID == "" {
			http.Error(w, "Missing 'definition_id' field", http.StatusBadRequest)
			return
		}
		inst, err := svc.StartInstance(r.Context(), req.DefinitionID, req.Context, req.Actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	}
}

func listInstances(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		instances, err := svc.ListInstances()
		if err != nil {
			log.GetLogger().Errorf("Failed to list instances: %v", err)
			http.Error(w, "Failed to list instances", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, instances)
	}
}

func getInstance(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := svc.GetInstance(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

func getHistory(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.History(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func getNextStates(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var actor *models.Actor
		if raw := r.URL.Query().Get("actor"); raw != "" {
			actor = &models.Actor{}
			if err := json.Unmarshal([]byte(raw), actor); err != nil {
				http.Error(w, fmt.Sprintf("Invalid actor parameter: %v", err), http.StatusBadRequest)
				return
			}
		}
		transitions, err := svc.NextStates(mux.Vars(r)["id"], actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, transitions)
	}
}

type transitionRequest struct {
	TargetState string                 `json:"target_state"`
	Actor       *models.Actor          `json:"actor,omitempty"`
	Note        string                 `json:"note,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

func transitionInstance(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid transition payload: %v", err), http.StatusBadRequest)
			return
		}
		if req.TargetState == "" {
			http.Error(w, "Missing 'target_state' field", http.StatusBadRequest)
			return
		}
		inst, err := svc.Transition(r.Context(), mux.Vars(r)["id"], req.TargetState, req.Actor, req.Note, req.Context)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var cnm *service.ConditionNotMetError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoSuchTransition),
		errors.Is(err, service.ErrCommentRequired),
		errors.Is(err, service.ErrInstanceTerminal),
		errors.Is(err, service.ErrInstancePaused),
		errors.Is(err, service.ErrDefinitionInactive),
		errors.As(err, &cnm):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
