// Package azure is a secondary, unwired adapters.CpuProvider stub for
// Microsoft Azure. Kept as a placeholder CPU-mirror cloud the same way the
// teacher carries a gcp/azure client pair alongside its primary AWS one;
// not constructed by core/runtime.Runtime until a real Azure implementation
// is wired behind it.
package azure

import (
	"context"
	"fmt"

	"gpu-standby-orchestrator/core/adapters"
)

// Client is the Azure provider client.
type Client struct {
	subscriptionID string
	regions        []string
}

// NewClient creates a new Azure client.
func NewClient(ctx context.Context, subscriptionID string, regions []string) (*Client, error) {
	// TODO: initialize a real Azure Compute client once this provider is wired.
	return &Client{
		subscriptionID: subscriptionID,
		regions:        regions,
	}, nil
}

func (c *Client) CreateInstance(ctx context.Context, zone, machineType string, useSpot bool, diskGB int, sshPubKey string) (string, error) {
	return "", fmt.Errorf("azure provider: not implemented")
}

func (c *Client) GetInstance(ctx context.Context, instanceID string) (adapters.InstanceStatus, error) {
	return adapters.InstanceStatus{}, fmt.Errorf("azure provider: not implemented")
}

func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	return fmt.Errorf("azure provider: not implemented")
}

var _ adapters.CpuProvider = (*Client)(nil)
