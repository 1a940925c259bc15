// Package adapters defines the narrow boundary contracts the core consumes
// (spec §6). Concrete implementations live under providers/; the core only
// ever imports this package's interfaces.
package adapters

import (
	"context"
	"io"
	"time"

	"gpu-standby-orchestrator/core/models"
)

// InstanceStatus is what GpuProvider.GetInstance / CpuProvider.GetInstance
// report back — a thin typed record rather than a free-form map (spec §9
// Design Notes: "dynamic JSON exchanges with providers").
type InstanceStatus struct {
	Running  bool
	SSHHost  string
	SSHPort  int
	PublicIP string
}

// GpuProvider abstracts the spot-GPU marketplace.
type GpuProvider interface {
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error)
	CreateInstance(ctx context.Context, offerID, image, disk, sshPubKey string) (candidateID string, err error)
	GetInstance(ctx context.Context, candidateID string) (InstanceStatus, error)
	DestroyInstance(ctx context.Context, candidateID string) error
}

// CpuProvider abstracts the CPU-mirror cloud-VM marketplace.
type CpuProvider interface {
	CreateInstance(ctx context.Context, zone, machineType string, useSpot bool, diskGB int, sshPubKey string) (instanceID string, err error)
	GetInstance(ctx context.Context, instanceID string) (InstanceStatus, error)
	DestroyInstance(ctx context.Context, instanceID string) error
}

// ObjectStore abstracts blob storage (spec §4.2).
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string, w io.Writer) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// IpGeo abstracts an IP-to-coordinate lookup service (spec §6).
type IpGeo interface {
	Lookup(ctx context.Context, ip string) (lat, lon float64, err error)
}

// EndpointPublisher exposes the currently-active SSH endpoint for an
// association to whatever external surface users connect through (spec
// §4.8: "publish the new endpoint... the external user-visible endpoint
// flips"). StandbyManager calls this on every failover and recovery.
type EndpointPublisher interface {
	Publish(ctx context.Context, associationID string, endpoint models.SSHEndpoint) error
}
