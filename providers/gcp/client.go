// Package gcp is a secondary, unwired adapters.GpuProvider stub for Google
// Cloud. Kept as a placeholder for a second GPU marketplace the same way
// the teacher carries gcp/azure clients alongside its primary AWS one; not
// constructed by core/runtime.Runtime until a real GCP implementation is
// wired behind it.
package gcp

import (
	"context"
	"fmt"

	"gpu-standby-orchestrator/core/adapters"
	"gpu-standby-orchestrator/core/models"
)

// Client is the GCP provider client.
type Client struct {
	projectID string
	regions   []string
}

// NewClient creates a new GCP client.
func NewClient(ctx context.Context, projectID string, regions []string) (*Client, error) {
	// TODO: initialize a real GCP Compute client once this provider is wired.
	return &Client{
		projectID: projectID,
		regions:   regions,
	}, nil
}

// SearchOffers is unimplemented until a real GCP Compute/billing client
// backs this provider.
func (c *Client) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	return nil, fmt.Errorf("gcp provider: not implemented")
}

func (c *Client) CreateInstance(ctx context.Context, offerID, image, disk, sshPubKey string) (string, error) {
	return "", fmt.Errorf("gcp provider: not implemented")
}

func (c *Client) GetInstance(ctx context.Context, candidateID string) (adapters.InstanceStatus, error) {
	return adapters.InstanceStatus{}, fmt.Errorf("gcp provider: not implemented")
}

func (c *Client) DestroyInstance(ctx context.Context, candidateID string) error {
	return fmt.Errorf("gcp provider: not implemented")
}

var _ adapters.GpuProvider = (*Client)(nil)
