package provisioner

import (
	"context"
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecr"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/route53"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/fleetforge/backend/internal/config"
)

// stackRunner runs infrastructure-as-code programs. Outputs are flattened to strings.
type stackRunner interface {
	Up(ctx context.Context, project, stack, region string, program pulumi.RunFunc) (map[string]string, error)
	Destroy(ctx context.Context, project, stack string) error
	Outputs(ctx context.Context, project, stack string) (map[string]string, error)
}

// pulumiStacks runs inline programs through the Pulumi automation API.
type pulumiStacks struct {
	env map[string]string
}

func (p *pulumiStacks) Up(ctx context.Context, project, stack, region string, program pulumi.RunFunc) (map[string]string, error) {
	s, err := auto.UpsertStackInlineSource(ctx, stack, project, program, auto.EnvVars(p.env))
	if err != nil {
		return nil, classifyStackError(err)
	}
	if err := s.SetConfig(ctx, "aws:region", auto.ConfigValue{Value: region}); err != nil {
		return nil, fmt.Errorf("failed to set region: %w", err)
	}
	res, err := s.Up(ctx)
	if err != nil {
		return nil, classifyStackError(err)
	}
	return flattenOutputs(res.Outputs), nil
}

func (p *pulumiStacks) Destroy(ctx context.Context, project, stack string) error {
	s, err := auto.SelectStackInlineSource(ctx, stack, project, func(*pulumi.Context) error { return nil }, auto.EnvVars(p.env))
	if err != nil {
		return classifyStackError(err)
	}
	if _, err := s.Destroy(ctx); err != nil {
		return classifyStackError(err)
	}
	return nil
}

func (p *pulumiStacks) Outputs(ctx context.Context, project, stack string) (map[string]string, error) {
	s, err := auto.SelectStackInlineSource(ctx, stack, project, func(*pulumi.Context) error { return nil }, auto.EnvVars(p.env))
	if err != nil {
		return nil, classifyStackError(err)
	}
	out, err := s.Outputs(ctx)
	if err != nil {
		return nil, err
	}
	return flattenOutputs(out), nil
}

func classifyStackError(err error) error {
	if auto.IsCreateStack409Error(err) || auto.IsConcurrentUpdateError(err) {
		return fmt.Errorf("%w: %v", ErrStackExists, err)
	}
	return err
}

func flattenOutputs(outputs auto.OutputMap) map[string]string {
	flat := make(map[string]string, len(outputs))
	for k, v := range outputs {
		if s, ok := v.Value.(string); ok {
			flat[k] = s
		} else if v.Value != nil {
			flat[k] = fmt.Sprint(v.Value)
		}
	}
	return flat
}

func nameTags(name string) pulumi.StringMap {
	return pulumi.StringMap{
		"Name":       pulumi.String(name),
		"managed-by": pulumi.String("fleetforge"),
	}
}

// instanceProgram declares an elastic IP, the machine and their association. When
// route53 is set the DNS records live in the same stack and go away with it.
func instanceProgram(req CreateInstanceRequest, zone config.Zone, route53Records bool) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		eip, err := ec2.NewEip(ctx, req.HashedName, &ec2.EipArgs{
			Domain: pulumi.String("vpc"),
			Tags:   nameTags("ip-" + req.HashedName),
		})
		if err != nil {
			return err
		}

		args := &ec2.InstanceArgs{
			Ami:                      pulumi.String(req.Image),
			InstanceType:             pulumi.String(req.Type),
			AvailabilityZone:         pulumi.String(req.Region + req.Zone),
			AssociatePublicIpAddress: pulumi.Bool(true),
			UserData:                 pulumi.String(req.CloudInit),
			Tags:                     nameTags(req.HashedName),
		}
		if zone.Subnet != "" {
			args.SubnetId = pulumi.String(zone.Subnet)
		}
		if zone.SecurityGroup != "" {
			args.VpcSecurityGroupIds = pulumi.StringArray{pulumi.String(zone.SecurityGroup)}
		}
		instance, err := ec2.NewInstance(ctx, req.HashedName, args)
		if err != nil {
			return err
		}

		if _, err := ec2.NewEipAssociation(ctx, "associating-"+req.HashedName, &ec2.EipAssociationArgs{
			InstanceId:   instance.ID(),
			AllocationId: eip.ID(),
		}); err != nil {
			return err
		}

		if route53Records {
			if err := declareRecords(ctx, req.HashedName, req.Environment.Subdomains, eip.PublicIp, req.RootDNSZone); err != nil {
				return err
			}
		}

		ctx.Export("public_ip", eip.PublicIp)
		return nil
	}
}

func dnsProgram(recordName string, subdomains []string, ip, rootZone string) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		if err := declareRecords(ctx, recordName, subdomains, pulumi.String(ip).ToStringOutput(), rootZone); err != nil {
			return err
		}
		ctx.Export("record", pulumi.String(recordName+"."+rootZone))
		return nil
	}
}

func declareRecords(ctx *pulumi.Context, recordName string, subdomains []string, ip pulumi.StringOutput, rootZone string) error {
	zone, err := route53.LookupZone(ctx, &route53.LookupZoneArgs{Name: pulumi.StringRef(rootZone)})
	if err != nil {
		return fmt.Errorf("route53 zone %s: %w", rootZone, err)
	}
	names := []string{recordName}
	for _, sub := range subdomains {
		names = append(names, sub+"."+recordName)
	}
	for _, name := range names {
		if _, err := route53.NewRecord(ctx, "record-"+name, &route53.RecordArgs{
			ZoneId:  pulumi.String(zone.ZoneId),
			Name:    pulumi.String(name + "." + rootZone),
			Type:    pulumi.String("A"),
			Ttl:     pulumi.Int(300),
			Records: pulumi.StringArray{ip},
		}); err != nil {
			return err
		}
	}
	return nil
}

func bucketProgram(name string) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		bucket, err := s3.NewBucketV2(ctx, name, &s3.BucketV2Args{
			BucketPrefix: pulumi.String(name + "-"),
			ForceDestroy: pulumi.Bool(true),
			Tags:         nameTags(name),
		})
		if err != nil {
			return err
		}
		ctx.Export("bucket", bucket.Bucket)
		return nil
	}
}

func registryProgram(name string) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		repo, err := ecr.NewRepository(ctx, name, &ecr.RepositoryArgs{
			Name:        pulumi.String(name),
			ForceDelete: pulumi.Bool(true),
			Tags:        nameTags(name),
		})
		if err != nil {
			return err
		}
		ctx.Export("endpoint", repo.RepositoryUrl)
		ctx.Export("arn", repo.Arn)
		return nil
	}
}
