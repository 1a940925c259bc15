package models

import "time"

// Offer is a marketable GPU rental slot on the spot provider. It is
// immutable and read-only from the caller's perspective — the provider is
// the source of truth.
type Offer struct {
	OfferID           string
	GPUModel          string
	VRAMBytes         int64
	CPUCores          int
	RAMBytes          int64
	DiskBytes         int64
	PricePerHour      float64
	GeolocationString string
	ReliabilityScore  float64 // 0.0 - 1.0, provider or blacklist-derived
	HostID            string  // stable identifier used for blacklisting
}

// OfferFilter narrows a provider search to offers worth racing.
type OfferFilter struct {
	GPUModel         string
	MinVRAMBytes     int64
	MinReliability   float64
	MaxPricePerHour  float64
	PreferredZones   []string // ordered by preference
}

// CandidateState is the lifecycle of a launched Offer racing for readiness.
type CandidateState string

const (
	CandidateLaunching CandidateState = "launching"
	CandidateBooting   CandidateState = "booting"
	CandidateSSHable   CandidateState = "sshable"
	CandidateReady     CandidateState = "ready"
	CandidateFailed    CandidateState = "failed"
	CandidateDestroyed CandidateState = "destroyed"
)

// SSHEndpoint is the coordinates needed to reach a host over SSH.
type SSHEndpoint struct {
	Host string
	Port int
	User string
}

// Candidate is an Offer that has been launched and is racing to become the
// winning GpuInstance.
type Candidate struct {
	CandidateID string // provider-assigned instance id
	Offer       Offer
	LaunchedAt  time.Time
	State       CandidateState
	SSHEndpoint *SSHEndpoint
	SSHReadyAt  *time.Time
	ReadyAt     *time.Time
	DestroyedAt *time.Time
	Error       string
}
