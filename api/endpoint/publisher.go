// Package endpoint exposes the one HTTP surface the core needs on the API
// side: the currently-live SSH endpoint for each standby association,
// flipped by core/standby.Manager on every failover and recovery (spec
// §4.8) and read by whatever external client needs to reach the workload.
package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"gpu-standby-orchestrator/core/models"
)

// Publisher implements adapters.EndpointPublisher by keeping the latest
// endpoint per association in memory and serving it over HTTP, mirroring
// the teacher's handler-wraps-a-repository shape but backed by a plain map
// since there is exactly one live endpoint per association at any time,
// not a persisted history.
type Publisher struct {
	mu        sync.RWMutex
	endpoints map[string]models.SSHEndpoint
}

// NewPublisher builds an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{endpoints: make(map[string]models.SSHEndpoint)}
}

// Publish records the live endpoint for associationID, overwriting whatever
// was previously published for it.
func (p *Publisher) Publish(ctx context.Context, associationID string, ep models.SSHEndpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[associationID] = ep
	return nil
}

type endpointResponse struct {
	AssociationID string `json:"association_id"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	User          string `json:"user"`
}

// getEndpoint serves the currently published endpoint for {id}, 404 if
// nothing has been published yet (StandbyManager publishes only on
// failover, mirror reprovision and recovery, not on Enable).
func (p *Publisher) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p.mu.RLock()
	ep, ok := p.endpoints[id]
	p.mu.RUnlock()

	if !ok {
		http.Error(w, "no endpoint published for association", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(endpointResponse{
		AssociationID: id,
		Host:          ep.Host,
		Port:          ep.Port,
		User:          ep.User,
	})
}

// Routes registers the endpoint-lookup route on r.
func (p *Publisher) Routes(r *mux.Router) {
	r.HandleFunc("/v1/associations/{id}/endpoint", p.getEndpoint).Methods("GET")
}
