// Package aws implements adapters.CpuProvider against on-demand (or
// spot-backed) AWS EC2 instances used as the CpuMirror (spec §6).
package aws

import (
	"context"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"gpu-standby-orchestrator/core/adapters"
)

// zoneToRegion maps the region resolver's GCP-style zone identifiers (spec
// §4.1's static table) to the nearest AWS region this adapter can actually
// provision in. Zones outside this table fall back to defaultRegion.
var zoneToRegion = map[string]string{
	"northamerica-northeast1-a": "ca-central-1",
	"northamerica-northeast2-a": "ca-central-1",
	"us-east4-a":                "us-east-1",
	"us-east5-a":                "us-east-2",
	"us-west1-a":                "us-west-2",
	"us-west2-a":                "us-west-1",
	"us-west4-a":                "us-west-1",
	"us-south1-a":                "us-east-1",
	"europe-west2-a":            "eu-west-2",
	"europe-west3-a":            "eu-central-1",
	"europe-west4-a":            "eu-west-1",
	"europe-west9-a":            "eu-west-3",
	"europe-north1-a":           "eu-north-1",
	"asia-southeast1-a":         "ap-southeast-1",
	"asia-northeast1-a":         "ap-northeast-1",
	"asia-northeast2-a":         "ap-northeast-1",
	"asia-northeast3-a":         "ap-northeast-2",
	"asia-south1-a":             "ap-south-1",
	"australia-southeast1-a":    "ap-southeast-2",
	"southamerica-east1-a":      "sa-east-1",
}

// Client adapts on-demand (or spot) EC2 instances to adapters.CpuProvider.
// Unlike the GPU provider, it lazily builds one ec2.Client per AWS region
// the first time a zone maps to it, since a deployment may never touch most
// regions in zoneToRegion.
type Client struct {
	clients       map[string]*ec2.Client
	defaultRegion string
	amiID         string // CPU-only base image, no GPU driver stack required
	keyName       string
}

// NewClient wires a CPU mirror provider. amiID is a plain Ubuntu/Debian
// image id valid in defaultRegion and every region reachable from
// zoneToRegion; sshKeyName is attached to every mirror so the control node
// can reach it immediately after boot.
func NewClient(defaultRegion, amiID, sshKeyName string) *Client {
	return &Client{clients: make(map[string]*ec2.Client), defaultRegion: defaultRegion, amiID: amiID, keyName: sshKeyName}
}

func (c *Client) regionFor(zone string) string {
	if region, ok := zoneToRegion[zone]; ok {
		return region
	}
	return c.defaultRegion
}

func (c *Client) clientFor(ctx context.Context, region string) (*ec2.Client, error) {
	if client, ok := c.clients[region]; ok {
		return client, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws cpu provider: load config for %s: %w", region, err)
	}
	client := ec2.NewFromConfig(cfg)
	c.clients[region] = client
	return client, nil
}

// CreateInstance launches one on-demand (or spot) EC2 instance sized by
// machineType/diskGB in the AWS region nearest zone, returning a
// region-prefixed instance id the way the GPU adapter does.
func (c *Client) CreateInstance(ctx context.Context, zone, machineType string, useSpot bool, diskGB int, sshPubKey string) (string, error) {
	region := c.regionFor(zone)
	client, err := c.clientFor(ctx, region)
	if err != nil {
		return "", err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      awssdk.String(c.amiID),
		InstanceType: types.InstanceType(machineType),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: awssdk.String("/dev/sda1"),
				Ebs:        &types.EbsBlockDevice{VolumeSize: awssdk.Int32(int32(diskGB))},
			},
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: awssdk.String("ManagedBy"), Value: awssdk.String("gpu-standby-orchestrator")},
					{Key: awssdk.String("Role"), Value: awssdk.String("cpu-mirror")},
				},
			},
		},
	}
	if c.keyName != "" {
		input.KeyName = awssdk.String(c.keyName)
	}
	if useSpot {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType:  types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{SpotInstanceType: types.SpotInstanceTypePersistent},
		}
	}

	result, err := client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("aws cpu provider: run instances: %w", err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("aws cpu provider: run instances returned no instances")
	}

	return region + ":" + awssdk.ToString(result.Instances[0].InstanceId), nil
}

// GetInstance reports the current status of an instanceID produced by
// CreateInstance.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (adapters.InstanceStatus, error) {
	region, rawID, err := splitInstanceID(instanceID)
	if err != nil {
		return adapters.InstanceStatus{}, err
	}
	client, err := c.clientFor(ctx, region)
	if err != nil {
		return adapters.InstanceStatus{}, err
	}

	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{rawID}})
	if err != nil {
		return adapters.InstanceStatus{}, err
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return adapters.InstanceStatus{}, fmt.Errorf("aws cpu provider: instance %s not found", rawID)
	}

	inst := out.Reservations[0].Instances[0]
	running := inst.State != nil && inst.State.Name == types.InstanceStateNameRunning
	status := adapters.InstanceStatus{Running: running, SSHPort: 22}
	if inst.PublicIpAddress != nil {
		status.PublicIP = *inst.PublicIpAddress
		status.SSHHost = *inst.PublicIpAddress
	}
	return status, nil
}

// DestroyInstance terminates instanceID; a not-found error counts as
// success, matching StandbyManager's idempotent Teardown contract.
func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	region, rawID, err := splitInstanceID(instanceID)
	if err != nil {
		return err
	}
	client, err := c.clientFor(ctx, region)
	if err != nil {
		return err
	}

	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{rawID}})
	if err != nil && strings.Contains(err.Error(), "InvalidInstanceID.NotFound") {
		return nil
	}
	return err
}

func splitInstanceID(instanceID string) (region, rawID string, err error) {
	parts := strings.SplitN(instanceID, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("aws cpu provider: malformed instance id %q", instanceID)
	}
	return parts[0], parts[1], nil
}
