package endpoint

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"gpu-standby-orchestrator/core/models"
)

// standbyManager is the slice of standby.Manager the HTTP surface needs,
// narrowed so it can be wired without this package importing the full
// standby/hibernation dependency graph into its exported signatures.
type standbyManager interface {
	Enable(ctx context.Context, gpuInstance *models.GpuInstance, autoFailover, autoRecovery bool) (*models.StandbyAssociation, error)
	Teardown(ctx context.Context, associationID string) error
	Lookup(associationID string) (*models.StandbyAssociation, bool)
}

type hibernationController interface {
	Heartbeat(ctx context.Context, assoc *models.StandbyAssociation, utilizationPercent float64) error
	Wake(ctx context.Context, associationID string, target models.SSHEndpoint, targetWorkspacePath string) error
}

// AssociationHandlers exposes the standby-enrollment and heartbeat-ingestion
// HTTP surface: enabling a GpuInstance for standby, tearing it down, and
// feeding in-VM utilization samples to the HibernationController.
type AssociationHandlers struct {
	standby     standbyManager
	hibernation hibernationController
}

// NewAssociationHandlers wires the HTTP surface against the live
// StandbyManager and HibernationController.
func NewAssociationHandlers(standby standbyManager, hibernation hibernationController) *AssociationHandlers {
	return &AssociationHandlers{standby: standby, hibernation: hibernation}
}

type enableRequest struct {
	InstanceID         string `json:"instance_id"`
	ProviderInstanceID string `json:"provider_instance_id"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	User               string `json:"user"`
	WorkspacePath      string `json:"workspace_path"`
	AutoFailover       bool   `json:"auto_failover"`
	AutoRecovery       bool   `json:"auto_recovery"`
}

type associationResponse struct {
	AssociationID string `json:"association_id"`
	State         string `json:"state"`
}

// enable provisions a CpuMirror for the posted GpuInstance and arms standby
// (spec §4.8 PROVISIONING -> SYNCING).
func (h *AssociationHandlers) enable(w http.ResponseWriter, r *http.Request) {
	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstanceID == "" {
		http.Error(w, "instance_id is required", http.StatusBadRequest)
		return
	}

	gi := &models.GpuInstance{
		InstanceID:         req.InstanceID,
		ProviderInstanceID: req.ProviderInstanceID,
		SSHEndpoint:        models.SSHEndpoint{Host: req.Host, Port: req.Port, User: req.User},
		WorkspacePath:      req.WorkspacePath,
	}

	assoc, err := h.standby.Enable(r.Context(), gi, req.AutoFailover, req.AutoRecovery)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(associationResponse{AssociationID: assoc.AssociationID, State: string(assoc.State)})
}

// teardown disables standby for {id} and releases its CpuMirror.
func (h *AssociationHandlers) teardown(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.standby.Teardown(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	UtilizationPercent float64 `json:"utilization_percent"`
}

// heartbeat ingests one in-VM utilization sample for {id}, feeding the idle
// clock HibernationController drives (spec §4.7).
func (h *AssociationHandlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	assoc, ok := h.standby.Lookup(id)
	if !ok {
		http.Error(w, "unknown association", http.StatusNotFound)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.hibernation.Heartbeat(r.Context(), assoc, req.UtilizationPercent); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type wakeRequest struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	User          string `json:"user"`
	WorkspacePath string `json:"workspace_path"`
}

// wake restores {id}'s latest hibernation snapshot onto a freshly
// provisioned replacement GpuInstance (spec §4.7: acquiring the instance is
// the caller's responsibility, this only drives the data side).
func (h *AssociationHandlers) wake(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req wakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	target := models.SSHEndpoint{Host: req.Host, Port: req.Port, User: req.User}
	if err := h.hibernation.Wake(r.Context(), id, target, req.WorkspacePath); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Routes registers the association-management, heartbeat, and wake routes
// on r.
func (h *AssociationHandlers) Routes(r *mux.Router) {
	r.HandleFunc("/v1/associations", h.enable).Methods("POST")
	r.HandleFunc("/v1/associations/{id}", h.teardown).Methods("DELETE")
	r.HandleFunc("/v1/associations/{id}/heartbeat", h.heartbeat).Methods("POST")
	r.HandleFunc("/v1/associations/{id}/wake", h.wake).Methods("POST")
}
