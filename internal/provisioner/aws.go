package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/config"
	"github.com/fleetforge/backend/internal/naming"
)

// nameCacheTTL bounds how long physical bucket and registry names are remembered.
const nameCacheTTL = 24 * time.Hour

// Cache stores short lived string values. internal/cache provides the badger backed one.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration) error
	Delete(key string) error
}

type ec2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, in *ec2.RebootInstancesInput, opts ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
}

type iamAPI interface {
	CreateUser(ctx context.Context, in *iam.CreateUserInput, opts ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	PutUserPolicy(ctx context.Context, in *iam.PutUserPolicyInput, opts ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	CreateAccessKey(ctx context.Context, in *iam.CreateAccessKeyInput, opts ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, opts ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, in *iam.DeleteAccessKeyInput, opts ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	DeleteUserPolicy(ctx context.Context, in *iam.DeleteUserPolicyInput, opts ...func(*iam.Options)) (*iam.DeleteUserPolicyOutput, error)
	DeleteUser(ctx context.Context, in *iam.DeleteUserInput, opts ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
}

// AWSConfig holds configuration for the AWS driver.
type AWSConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Catalog         *config.Catalog
	DNS             RecordPublisher // zones not managed by Route53
	Cache           Cache
	Logger          *logrus.Logger
}

// AWSDriver provisions EC2 machines through Pulumi stacks and drives their power state
// through the EC2 API.
type AWSDriver struct {
	catalogView
	cfg    AWSConfig
	log    *logrus.Entry
	stacks stackRunner

	newEC2 func(ctx context.Context, region string) (ec2API, error)
	newIAM func(ctx context.Context) (iamAPI, error)
}

func NewAWSDriver(cfg AWSConfig) *AWSDriver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	d := &AWSDriver{
		catalogView: catalogView{provider: "aws", catalog: cfg.Catalog},
		cfg:         cfg,
		log:         cfg.Logger.WithField("provider", "aws"),
		stacks: &pulumiStacks{env: map[string]string{
			"AWS_ACCESS_KEY_ID":     cfg.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY": cfg.SecretAccessKey,
		}},
	}
	d.newEC2 = func(ctx context.Context, region string) (ec2API, error) {
		awsCfg, err := d.awsConfig(ctx, region)
		if err != nil {
			return nil, err
		}
		return ec2.NewFromConfig(awsCfg), nil
	}
	d.newIAM = func(ctx context.Context) (iamAPI, error) {
		awsCfg, err := d.awsConfig(ctx, "us-east-1")
		if err != nil {
			return nil, err
		}
		return iam.NewFromConfig(awsCfg), nil
	}
	return d
}

func (d *AWSDriver) awsConfig(ctx context.Context, region string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(10),
	}
	if d.cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(d.cfg.AccessKeyID, d.cfg.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return cfg, nil
}

func (d *AWSDriver) Name() string { return "aws" }

func (d *AWSDriver) CloudInitTemplate() string { return "aws.yml.tmpl" }

// CreateInstance upserts the instance stack. Running it again with the same hashed name
// updates the existing stack instead of creating new resources.
func (d *AWSDriver) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	route53 := req.GenerateDNS && d.cfg.Catalog.DNSDriver(req.RootDNSZone) == "aws"
	program := instanceProgram(req, d.zone(req.Region, req.Zone), route53)

	outputs, err := d.stacks.Up(ctx, naming.StackProjectName(req.Environment.Path), req.HashedName, req.Region, program)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance stack %s: %w", req.HashedName, err)
	}

	ip := outputs["public_ip"]
	if req.GenerateDNS && !route53 && ip != "" {
		// DNS is attempted once, a failure does not undo the machine.
		if err := d.CreateDNSRecords(ctx, req.HashedName, req.Environment, ip, req.RootDNSZone); err != nil {
			d.log.WithError(err).WithField("instance", req.HashedName).Warn("DNS registration failed")
		}
	}
	return &CreateInstanceResult{IP: ip}, nil
}

func (d *AWSDriver) RefreshInstance(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	server, err := d.GetVirtualMachine(ctx, req.Region, req.Zone, req.HashedName)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return &RefreshResult{}, nil
	}
	return &RefreshResult{IP: server.PublicIP, Type: server.Type}, nil
}

// GetVirtualMachine finds the machine tagged with name. Terminated machines are only
// reported when nothing else carries the tag.
func (d *AWSDriver) GetVirtualMachine(ctx context.Context, region, zone, name string) (*Server, error) {
	client, err := d.newEC2(ctx, region)
	if err != nil {
		return nil, err
	}
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{Name: aws.String("tag:Name"), Values: []string{name}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", name, err)
	}

	var found *ec2types.Instance
	for _, r := range out.Reservations {
		for i := range r.Instances {
			inst := &r.Instances[i]
			if found == nil || (ec2State(found) == ec2types.InstanceStateNameTerminated && ec2State(inst) != ec2types.InstanceStateNameTerminated) {
				found = inst
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return &Server{
		ID:       aws.ToString(found.InstanceId),
		Name:     name,
		State:    string(ec2State(found)),
		Type:     string(found.InstanceType),
		PublicIP: aws.ToString(found.PublicIpAddress),
	}, nil
}

func ec2State(inst *ec2types.Instance) ec2types.InstanceStateName {
	if inst.State == nil {
		return ""
	}
	return inst.State.Name
}

func (d *AWSDriver) GetServerState(server *Server) ServerState {
	switch ec2types.InstanceStateName(server.State) {
	case ec2types.InstanceStateNamePending:
		return StateStarting
	case ec2types.InstanceStateNameRunning:
		return StateRunning
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameStopping:
		return StateStopping
	case ec2types.InstanceStateNameStopped:
		return StateStopped
	case ec2types.InstanceStateNameTerminated:
		return StateDeleted
	default:
		return StateUnknown
	}
}

func (d *AWSDriver) UpdateVirtualMachineStatus(ctx context.Context, region, zone, serverID string, action Action) error {
	if action != ActionPowerOff && action != ActionPowerOn && action != ActionReboot {
		return nil
	}
	client, err := d.newEC2(ctx, region)
	if err != nil {
		return err
	}
	ids := []string{serverID}
	switch action {
	case ActionPowerOff:
		_, err = client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
	case ActionPowerOn:
		_, err = client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	case ActionReboot:
		_, err = client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: ids})
	}
	if err != nil {
		return fmt.Errorf("failed to %s instance %s: %w", action, serverID, err)
	}
	return nil
}

func (d *AWSDriver) DestroyInstance(ctx context.Context, req DestroyRequest) error {
	if err := d.stacks.Destroy(ctx, req.ProjectName, req.StackName); err != nil {
		return fmt.Errorf("failed to destroy stack %s: %w", req.StackName, err)
	}
	return nil
}

// CreateDNSRecords publishes an A record for recordName and one per environment
// subdomain. Route53 zones get a dedicated stack, other zones go to the publisher.
func (d *AWSDriver) CreateDNSRecords(ctx context.Context, recordName string, env Environment, ip, rootZone string) error {
	if d.cfg.Catalog.DNSDriver(rootZone) != "aws" {
		if d.cfg.DNS == nil {
			return fmt.Errorf("no DNS publisher configured for zone %s", rootZone)
		}
		return d.cfg.DNS.Publish(ctx, rootZone, recordName, env.Subdomains, ip)
	}
	_, err := d.stacks.Up(ctx, naming.StackProjectName(env.Path), "dns-"+recordName+"."+rootZone, "us-east-1",
		dnsProgram(recordName, env.Subdomains, ip, rootZone))
	if err != nil {
		return fmt.Errorf("failed to register %s.%s: %w", recordName, rootZone, err)
	}
	return nil
}

// -- Buckets and registries --

func (d *AWSDriver) CreateBucket(ctx context.Context, req BucketRequest) (*StorageCredentials, error) {
	outputs, err := d.stacks.Up(ctx, naming.StackProjectName(req.Owner), req.Name, req.Region, bucketProgram(req.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket stack %s: %w", req.Name, err)
	}
	bucket := outputs["bucket"]
	d.remember("aws_bucket_"+req.Name, bucket)

	key, secret, err := d.createScopedUser(ctx, req.Name, bucketPolicy(bucket))
	if err != nil {
		return nil, err
	}
	return &StorageCredentials{
		Name:            bucket,
		Endpoint:        fmt.Sprintf("%s.s3.%s.amazonaws.com/", bucket, req.Region),
		AccessKeyID:     key,
		SecretAccessKey: secret,
	}, nil
}

func (d *AWSDriver) DeleteBucket(ctx context.Context, req BucketRequest) error {
	if err := d.stacks.Destroy(ctx, naming.StackProjectName(req.Owner), req.Name); err != nil {
		return fmt.Errorf("failed to destroy bucket stack %s: %w", req.Name, err)
	}
	d.forget("aws_bucket_" + req.Name)
	return d.deleteScopedUser(ctx, req.Name)
}

func (d *AWSDriver) CreateRegistry(ctx context.Context, req BucketRequest) (*StorageCredentials, error) {
	outputs, err := d.stacks.Up(ctx, naming.StackProjectName(req.Owner), req.Name, req.Region, registryProgram(req.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry stack %s: %w", req.Name, err)
	}
	endpoint := outputs["endpoint"]
	d.remember("aws_registry_"+req.Name, endpoint)

	key, secret, err := d.createScopedUser(ctx, req.Name, registryPolicy(outputs["arn"]))
	if err != nil {
		return nil, err
	}
	return &StorageCredentials{
		Name:            req.Name,
		Endpoint:        endpoint,
		AccessKeyID:     key,
		SecretAccessKey: secret,
	}, nil
}

func (d *AWSDriver) DeleteRegistry(ctx context.Context, req BucketRequest) error {
	if err := d.stacks.Destroy(ctx, naming.StackProjectName(req.Owner), req.Name); err != nil {
		return fmt.Errorf("failed to destroy registry stack %s: %w", req.Name, err)
	}
	d.forget("aws_registry_" + req.Name)
	return d.deleteScopedUser(ctx, req.Name)
}

// BucketName returns the physical bucket name behind a hashed bucket name, from the
// cache when possible.
func (d *AWSDriver) BucketName(ctx context.Context, req BucketRequest) (string, error) {
	return d.lookupOutput(ctx, "aws_bucket_"+req.Name, req, "bucket")
}

// RegistryEndpoint returns the repository URL behind a hashed registry name.
func (d *AWSDriver) RegistryEndpoint(ctx context.Context, req BucketRequest) (string, error) {
	return d.lookupOutput(ctx, "aws_registry_"+req.Name, req, "endpoint")
}

func (d *AWSDriver) lookupOutput(ctx context.Context, key string, req BucketRequest, output string) (string, error) {
	if d.cfg.Cache != nil {
		if v, ok := d.cfg.Cache.Get(key); ok {
			return v, nil
		}
	}
	outputs, err := d.stacks.Outputs(ctx, naming.StackProjectName(req.Owner), req.Name)
	if err != nil {
		return "", err
	}
	v := outputs[output]
	d.remember(key, v)
	return v, nil
}

func (d *AWSDriver) remember(key, value string) {
	if d.cfg.Cache == nil || value == "" {
		return
	}
	if err := d.cfg.Cache.Set(key, value, nameCacheTTL); err != nil {
		d.log.WithError(err).WithField("key", key).Warn("failed to cache name")
	}
}

func (d *AWSDriver) forget(key string) {
	if d.cfg.Cache == nil {
		return
	}
	if err := d.cfg.Cache.Delete(key); err != nil {
		d.log.WithError(err).WithField("key", key).Warn("failed to evict cached name")
	}
}

func scopedUserName(name string) string { return "fleetforge-" + name }

func (d *AWSDriver) createScopedUser(ctx context.Context, name string, policy string) (string, string, error) {
	client, err := d.newIAM(ctx)
	if err != nil {
		return "", "", err
	}
	user := aws.String(scopedUserName(name))
	if _, err := client.CreateUser(ctx, &iam.CreateUserInput{UserName: user}); err != nil {
		return "", "", fmt.Errorf("failed to create iam user for %s: %w", name, err)
	}
	if _, err := client.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
		UserName:       user,
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(policy),
	}); err != nil {
		return "", "", fmt.Errorf("failed to attach policy for %s: %w", name, err)
	}
	out, err := client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: user})
	if err != nil {
		return "", "", fmt.Errorf("failed to create access key for %s: %w", name, err)
	}
	return aws.ToString(out.AccessKey.AccessKeyId), aws.ToString(out.AccessKey.SecretAccessKey), nil
}

func (d *AWSDriver) deleteScopedUser(ctx context.Context, name string) error {
	client, err := d.newIAM(ctx)
	if err != nil {
		return err
	}
	user := aws.String(scopedUserName(name))
	keys, err := client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: user})
	if err != nil {
		return fmt.Errorf("failed to list access keys for %s: %w", name, err)
	}
	for _, k := range keys.AccessKeyMetadata {
		if _, err := client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{UserName: user, AccessKeyId: k.AccessKeyId}); err != nil {
			return fmt.Errorf("failed to revoke access key for %s: %w", name, err)
		}
	}
	if _, err := client.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: user, PolicyName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete policy for %s: %w", name, err)
	}
	if _, err := client.DeleteUser(ctx, &iam.DeleteUserInput{UserName: user}); err != nil {
		return fmt.Errorf("failed to delete iam user for %s: %w", name, err)
	}
	return nil
}

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

func policyDocument(statements ...policyStatement) string {
	doc, _ := json.Marshal(map[string]any{
		"Version":   "2012-10-17",
		"Statement": statements,
	})
	return string(doc)
}

func bucketPolicy(bucket string) string {
	return policyDocument(policyStatement{
		Effect:   "Allow",
		Action:   []string{"s3:*"},
		Resource: []string{"arn:aws:s3:::" + bucket, "arn:aws:s3:::" + bucket + "/*"},
	})
}

func registryPolicy(repositoryARN string) string {
	return policyDocument(
		policyStatement{Effect: "Allow", Action: []string{"ecr:*"}, Resource: []string{repositoryARN}},
		policyStatement{Effect: "Allow", Action: []string{"ecr:GetAuthorizationToken"}, Resource: []string{"*"}},
	)
}
