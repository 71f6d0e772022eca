package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/types"
)

const (
	defaultAWSRegion       = "us-east-1"
	defaultAWSInstanceType = "m6i.large"
)

// EC2API is the subset of the EC2 client the provider calls
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// AWS launches one EC2 instance per cluster
type AWS struct {
	newClient func(ctx context.Context, region string) (EC2API, error)

	mu      sync.Mutex
	clients map[string]EC2API
}

// NewAWS creates an AWS provider using the default credential chain
func NewAWS() *AWS {
	return &AWS{
		newClient: func(ctx context.Context, region string) (EC2API, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, err
			}
			return ec2.NewFromConfig(cfg), nil
		},
		clients: make(map[string]EC2API),
	}
}

// NewAWSWithClient creates an AWS provider that always uses api
func NewAWSWithClient(api EC2API) *AWS {
	return &AWS{
		newClient: func(context.Context, string) (EC2API, error) { return api, nil },
		clients:   make(map[string]EC2API),
	}
}

func (a *AWS) Kind() types.ProviderKind { return types.ProviderAWS }

func (a *AWS) Create(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	api, err := a.client(ctx, cluster)
	if err != nil {
		return nil, err
	}

	existing, err := a.findByTag(ctx, api, cluster.Name)
	if err != nil && !errors.Is(err, ErrInstanceNotFound) {
		return nil, classifyAWS(cluster.Name, err)
	}
	if existing != nil {
		logger := log.WithCluster(cluster.Name)
		logger.Info().Str("instance", existing.ID).Msg("Located existing EC2 instance")
		return existing, nil
	}

	spec := cluster.Instance
	if spec.Image == "" {
		return nil, errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonInvalidConfig,
			fmt.Errorf("instance image (AMI) is required"))
	}
	instanceType := spec.InstanceType
	if instanceType == "" {
		instanceType = defaultAWSInstanceType
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.Image),
		InstanceType:     ec2types.InstanceType(instanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		ClientToken:      aws.String(clientToken(cluster)),
		SecurityGroupIds: spec.SecurityGroups,
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("runway-" + cluster.Name)},
					{Key: aws.String(ClusterLabel), Value: aws.String(cluster.Name)},
				},
			},
		},
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if spec.SubnetID != "" {
		input.SubnetId = aws.String(spec.SubnetID)
	}

	out, err := api.RunInstances(ctx, input)
	if err != nil {
		return nil, classifyAWS(cluster.Name, err)
	}
	if len(out.Instances) == 0 {
		return nil, errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonTransient,
			fmt.Errorf("RunInstances returned no instances"))
	}
	return ec2Instance(out.Instances[0]), nil
}

func (a *AWS) Describe(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	api, err := a.client(ctx, cluster)
	if err != nil {
		return nil, err
	}
	if cluster.InstanceID == "" {
		return a.findByTag(ctx, api, cluster.Name)
	}

	out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{cluster.InstanceID},
	})
	if err != nil {
		if apiErrorCode(err) == "InvalidInstanceID.NotFound" {
			return nil, ErrInstanceNotFound
		}
		return nil, classifyAWS(cluster.Name, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if live(inst) {
				return ec2Instance(inst), nil
			}
		}
	}
	return nil, ErrInstanceNotFound
}

func (a *AWS) Terminate(ctx context.Context, cluster *types.Cluster) error {
	api, err := a.client(ctx, cluster)
	if err != nil {
		return err
	}

	id := cluster.InstanceID
	if id == "" {
		inst, err := a.findByTag(ctx, api, cluster.Name)
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}
		if err != nil {
			return classifyAWS(cluster.Name, err)
		}
		id = inst.ID
	}

	_, err = api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil && apiErrorCode(err) != "InvalidInstanceID.NotFound" {
		return classifyAWS(cluster.Name, err)
	}
	return nil
}

func (a *AWS) client(ctx context.Context, cluster *types.Cluster) (EC2API, error) {
	region := cluster.Instance.Region
	if region == "" {
		region = defaultAWSRegion
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if api, ok := a.clients[region]; ok {
		return api, nil
	}
	api, err := a.newClient(ctx, region)
	if err != nil {
		return nil, errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonCredentials,
			fmt.Errorf("failed to load AWS config: %w", err))
	}
	a.clients[region] = api
	return api, nil
}

func (a *AWS) findByTag(ctx context.Context, api EC2API, name string) (*Instance, error) {
	out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + ClusterLabel), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return nil, err
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if live(inst) {
				return ec2Instance(inst), nil
			}
		}
	}
	return nil, ErrInstanceNotFound
}

// clientToken is stable for one launch generation of a cluster so retried
// RunInstances calls return the same instance
func clientToken(cluster *types.Cluster) string {
	sum := sha256.Sum256([]byte(cluster.Name + "/" + strconv.FormatInt(cluster.UpdatedAt.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])[:32]
}

func live(inst ec2types.Instance) bool {
	if inst.State == nil {
		return true
	}
	switch inst.State.Name {
	case ec2types.InstanceStateNamePending, ec2types.InstanceStateNameRunning:
		return true
	}
	return false
}

func ec2Instance(inst ec2types.Instance) *Instance {
	out := &Instance{
		ID:    aws.ToString(inst.InstanceId),
		State: StatePending,
	}
	if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameRunning {
		out.State = StateRunning
	}
	out.Address = aws.ToString(inst.PublicIpAddress)
	if out.Address == "" {
		out.Address = aws.ToString(inst.PrivateIpAddress)
	}
	return out
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func classifyAWS(cluster string, err error) error {
	var pe *errdefs.ProvisioningError
	if errors.As(err, &pe) {
		return err
	}

	reason := errdefs.ReasonTransient
	switch apiErrorCode(err) {
	case "InstanceLimitExceeded", "VcpuLimitExceeded", "MaxSpotInstanceCountExceeded":
		reason = errdefs.ReasonQuota
	case "AuthFailure", "UnauthorizedOperation", "InvalidClientTokenId", "ExpiredToken":
		reason = errdefs.ReasonCredentials
	case "InvalidAMIID.NotFound", "InvalidAMIID.Malformed", "InvalidParameterValue",
		"InvalidKeyPair.NotFound", "InvalidGroup.NotFound", "InvalidSubnetID.NotFound":
		reason = errdefs.ReasonInvalidConfig
	}
	return errdefs.NewProvisioningError(cluster, reason, err)
}
