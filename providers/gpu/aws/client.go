// Package aws implements adapters.GpuProvider against the AWS EC2 spot
// market (spec §6): spot price search, spot-backed RunInstances, instance
// status polling, and termination.
package aws

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"gpu-standby-orchestrator/core/adapters"
	"gpu-standby-orchestrator/core/models"
)

// catalogEntry is one GPU-bearing instance type this adapter is willing to
// offer, independent of region or current spot price.
type catalogEntry struct {
	instanceType string
	gpuModel     string
	vramBytes    int64
	cpuCores     int
	ramBytes     int64
}

var catalog = []catalogEntry{
	{"p3.2xlarge", "V100", 16 << 30, 8, 61 << 30},
	{"p3.8xlarge", "V100", 64 << 30, 32, 244 << 30},
	{"p4d.24xlarge", "A100", 320 << 30, 96, 1152 << 30},
	{"g4dn.xlarge", "T4", 16 << 30, 4, 16 << 30},
	{"g5.xlarge", "A10G", 24 << 30, 4, 16 << 30},
}

// Client adapts a set of AWS regions to adapters.GpuProvider.
type Client struct {
	ec2Clients map[string]*ec2.Client // region -> client
	regions    []string
	keyName    string
}

// NewClient builds per-region EC2 clients from the default AWS credential
// chain, for searching spot offers and racing candidates across regions.
func NewClient(ctx context.Context, regions []string, sshKeyName string) (*Client, error) {
	clients := make(map[string]*ec2.Client, len(regions))
	for _, region := range regions {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("aws gpu provider: load config for %s: %w", region, err)
		}
		clients[region] = ec2.NewFromConfig(cfg)
	}
	return &Client{ec2Clients: clients, regions: regions, keyName: sshKeyName}, nil
}

// offerID encodes enough of an Offer to recreate the exact instance on
// CreateInstance without a round trip back through SearchOffers: region,
// instance type, and availability zone, colon-separated.
func encodeOfferID(region, instanceType, az string) string {
	return fmt.Sprintf("%s:%s:%s", region, instanceType, az)
}

func decodeOfferID(offerID string) (region, instanceType, az string, err error) {
	parts := strings.Split(offerID, ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("aws gpu provider: malformed offer id %q", offerID)
	}
	return parts[0], parts[1], parts[2], nil
}

// SearchOffers queries EC2 spot price history for every catalog entry in
// every configured region and returns one Offer per (instance type, AZ)
// combination, filtered by the caller's constraints.
func (c *Client) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	var offers []models.Offer

	for _, region := range c.regions {
		client := c.ec2Clients[region]
		for _, entry := range catalog {
			if filter.GPUModel != "" && !strings.EqualFold(filter.GPUModel, entry.gpuModel) {
				continue
			}
			if filter.MinVRAMBytes > 0 && entry.vramBytes < filter.MinVRAMBytes {
				continue
			}

			prices, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
				InstanceTypes:       []types.InstanceType{types.InstanceType(entry.instanceType)},
				ProductDescriptions: []string{"Linux/UNIX"},
				StartTime:           awssdk.Time(time.Now()),
			})
			if err != nil {
				// One bad region/instance-type pair shouldn't sink the whole
				// search; the provisioner races whatever offers do come back.
				continue
			}

			for _, p := range prices.SpotPriceHistory {
				price, err := strconv.ParseFloat(awssdk.ToString(p.SpotPrice), 64)
				if err != nil {
					continue
				}
				if filter.MaxPricePerHour > 0 && price > filter.MaxPricePerHour {
					continue
				}

				az := awssdk.ToString(p.AvailabilityZone)
				offers = append(offers, models.Offer{
					OfferID:           encodeOfferID(region, entry.instanceType, az),
					GPUModel:          entry.gpuModel,
					VRAMBytes:         entry.vramBytes,
					CPUCores:          entry.cpuCores,
					RAMBytes:          entry.ramBytes,
					DiskBytes:         0,
					PricePerHour:      price,
					GeolocationString: region,
					ReliabilityScore:  1.0,
					HostID:            entry.instanceType + "/" + az,
				})
			}
		}
	}

	sort.SliceStable(offers, func(i, j int) bool { return offers[i].PricePerHour < offers[j].PricePerHour })
	return offers, nil
}

// CreateInstance launches one spot instance for the given offer, mirroring
// the teacher's RunInstances shape but driven by the offer's encoded
// region/type/zone rather than fixed parameters.
func (c *Client) CreateInstance(ctx context.Context, offerID, image, disk, sshPubKey string) (string, error) {
	region, instanceType, az, err := decodeOfferID(offerID)
	if err != nil {
		return "", err
	}
	client, ok := c.ec2Clients[region]
	if !ok {
		return "", fmt.Errorf("aws gpu provider: no client configured for region %s", region)
	}

	amiID, err := c.findGPUAmi(ctx, client, region)
	if err != nil {
		return "", fmt.Errorf("aws gpu provider: find ami: %w", err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      awssdk.String(amiID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		Placement:    &types.Placement{AvailabilityZone: awssdk.String(az)},
		InstanceMarketOptions: &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType: types.SpotInstanceTypeOneTime,
			},
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: awssdk.String("ManagedBy"), Value: awssdk.String("gpu-standby-orchestrator")},
					{Key: awssdk.String("Role"), Value: awssdk.String("gpu-candidate")},
				},
			},
		},
	}
	if c.keyName != "" {
		input.KeyName = awssdk.String(c.keyName)
	}

	result, err := client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("aws gpu provider: run instances: %w", err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("aws gpu provider: run instances returned no instances")
	}

	return region + ":" + awssdk.ToString(result.Instances[0].InstanceId), nil
}

// GetInstance reports the current status of a candidateID produced by
// CreateInstance (region-prefixed instance id).
func (c *Client) GetInstance(ctx context.Context, candidateID string) (adapters.InstanceStatus, error) {
	region, instanceID, err := splitCandidateID(candidateID)
	if err != nil {
		return adapters.InstanceStatus{}, err
	}
	client, ok := c.ec2Clients[region]
	if !ok {
		return adapters.InstanceStatus{}, fmt.Errorf("aws gpu provider: no client configured for region %s", region)
	}

	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return adapters.InstanceStatus{}, err
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return adapters.InstanceStatus{}, fmt.Errorf("aws gpu provider: instance %s not found", instanceID)
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

// DestroyInstance terminates a candidateID. Terminating an already-gone
// instance is treated as success, matching the provisioner's idempotent
// destroy contract.
func (c *Client) DestroyInstance(ctx context.Context, candidateID string) error {
	region, instanceID, err := splitCandidateID(candidateID)
	if err != nil {
		return err
	}
	client, ok := c.ec2Clients[region]
	if !ok {
		return fmt.Errorf("aws gpu provider: no client configured for region %s", region)
	}

	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil && strings.Contains(err.Error(), "InvalidInstanceID.NotFound") {
		return nil
	}
	return err
}

func splitCandidateID(candidateID string) (region, instanceID string, err error) {
	parts := strings.SplitN(candidateID, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("aws gpu provider: malformed candidate id %q", candidateID)
	}
	return parts[0], parts[1], nil
}

// findGPUAmi resolves the newest available Deep Learning AMI in region,
// replacing the teacher's hardcoded ami-id lookup table with a live
// DescribeImages query.
func (c *Client) findGPUAmi(ctx context.Context, client *ec2.Client, region string) (string, error) {
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []types.Filter{
			{Name: awssdk.String("name"), Values: []string{"Deep Learning AMI GPU*Ubuntu*"}},
			{Name: awssdk.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", err
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no GPU-optimized AMI found in %s", region)
	}

	sort.Slice(out.Images, func(i, j int) bool {
		return awssdk.ToString(out.Images[i].CreationDate) > awssdk.ToString(out.Images[j].CreationDate)
	})
	return awssdk.ToString(out.Images[0].ImageId), nil
}
