package provisioner

import (
	"context"
	"fmt"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/fleetforge/backend/internal/config"
)

const defaultGCPImage = "projects/ubuntu-os-cloud/global/images/family/ubuntu-2204-lts"

// GCPDriver implements Driver for Google Compute Engine.
type GCPDriver struct {
	catalogView
	project string
	network string
	dns     RecordPublisher
	log     *logrus.Entry
}

// GCPConfig holds configuration for the GCP driver
type GCPConfig struct {
	Project string
	Network string // default: "default"
	Catalog *config.Catalog
	DNS     RecordPublisher
	Logger  *logrus.Logger
}

// NewGCPDriver creates a new GCP driver
func NewGCPDriver(cfg GCPConfig) *GCPDriver {
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &GCPDriver{
		catalogView: catalogView{provider: "gcp", catalog: cfg.Catalog},
		project:     cfg.Project,
		network:     cfg.Network,
		dns:         cfg.DNS,
		log:         cfg.Logger.WithField("provider", "gcp"),
	}
}

func (p *GCPDriver) Name() string { return "gcp" }

func (p *GCPDriver) CloudInitTemplate() string { return "gcp.yml.tmpl" }

// gceZone turns the catalog's region + zone suffix into a GCE zone name.
func gceZone(region, zone string) string {
	return fmt.Sprintf("%s-%s", region, zone)
}

// CreateInstance provisions a new GCE VM
func (p *GCPDriver) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	defer client.Close()

	zone := gceZone(req.Region, req.Zone)
	image := req.Image
	if image == "" {
		image = defaultGCPImage
	}

	labels := map[string]string{
		"fleetforge": "true",
		"managed-by": "fleetforge-backend",
	}
	for k, v := range req.Labels {
		labels[k] = v
	}

	instance := &computepb.Instance{
		Name:        proto.String(req.HashedName),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", zone, req.Type)),
		Disks: []*computepb.AttachedDisk{
			{
				Boot:       proto.Bool(true),
				AutoDelete: proto.Bool(true),
				InitializeParams: &computepb.AttachedDiskInitializeParams{
					SourceImage: proto.String(image),
					DiskSizeGb:  proto.Int64(30),
					DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-balanced", zone)),
				},
			},
		},
		NetworkInterfaces: []*computepb.NetworkInterface{
			{
				Network: proto.String(fmt.Sprintf("global/networks/%s", p.network)),
				AccessConfigs: []*computepb.AccessConfig{
					{
						Name:        proto.String("External NAT"),
						Type:        proto.String("ONE_TO_ONE_NAT"),
						NetworkTier: proto.String("PREMIUM"),
					},
				},
			},
		},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{Key: proto.String("user-data"), Value: proto.String(req.CloudInit)},
			},
		},
		Labels: labels,
		Tags: &computepb.Tags{
			Items: []string{"fleetforge", "http-server", "https-server"},
		},
	}

	op, err := client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.project,
		Zone:             zone,
		InstanceResource: instance,
	})
	if err != nil {
		if strings.Contains(err.Error(), "alreadyExists") {
			return nil, fmt.Errorf("%w: %v", ErrStackExists, err)
		}
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed waiting for VM creation: %w", err)
	}

	server, err := p.GetVirtualMachine(ctx, req.Region, req.Zone, req.HashedName)
	if err != nil {
		return nil, err
	}
	if server == nil || server.PublicIP == "" {
		return &CreateInstanceResult{}, nil
	}

	if req.GenerateDNS {
		if err := p.CreateDNSRecords(ctx, req.HashedName, req.Environment, server.PublicIP, req.RootDNSZone); err != nil {
			p.log.WithError(err).WithField("instance", req.HashedName).Warn("DNS registration failed")
		}
	}
	return &CreateInstanceResult{IP: server.PublicIP}, nil
}

func (p *GCPDriver) RefreshInstance(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	server, err := p.GetVirtualMachine(ctx, req.Region, req.Zone, req.HashedName)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return &RefreshResult{}, nil
	}
	return &RefreshResult{IP: server.PublicIP, Type: server.Type}, nil
}

// GetVirtualMachine returns the VM named name, nil when it does not exist.
func (p *GCPDriver) GetVirtualMachine(ctx context.Context, region, zone, name string) (*Server, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	defer client.Close()

	instance, err := client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.project,
		Zone:     gceZone(region, zone),
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get VM: %w", err)
	}

	return instanceToServer(instance), nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "notFound") || strings.Contains(err.Error(), "404")
}

// instanceToServer converts a GCE instance to our Server type
func instanceToServer(instance *computepb.Instance) *Server {
	server := &Server{
		ID:    instance.GetName(),
		Name:  instance.GetName(),
		State: instance.GetStatus(),
		Type:  lastSegment(instance.GetMachineType()),
	}
	for _, ni := range instance.GetNetworkInterfaces() {
		for _, ac := range ni.GetAccessConfigs() {
			if ac.GetNatIP() != "" {
				server.PublicIP = ac.GetNatIP()
				break
			}
		}
	}
	return server
}

// lastSegment trims a resource URL down to its name.
func lastSegment(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

func (p *GCPDriver) GetServerState(server *Server) ServerState {
	switch server.State {
	case "PROVISIONING", "STAGING":
		return StateStarting
	case "RUNNING":
		return StateRunning
	case "STOPPING", "SUSPENDING":
		return StateStopping
	case "TERMINATED", "SUSPENDED":
		return StateStopped
	default:
		return StateUnknown
	}
}

func (p *GCPDriver) UpdateVirtualMachineStatus(ctx context.Context, region, zone, serverID string, action Action) error {
	if action != ActionPowerOff && action != ActionPowerOn && action != ActionReboot {
		return nil
	}
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}
	defer client.Close()

	z := gceZone(region, zone)
	var op *compute.Operation
	switch action {
	case ActionPowerOff:
		op, err = client.Stop(ctx, &computepb.StopInstanceRequest{Project: p.project, Zone: z, Instance: serverID})
	case ActionPowerOn:
		op, err = client.Start(ctx, &computepb.StartInstanceRequest{Project: p.project, Zone: z, Instance: serverID})
	case ActionReboot:
		op, err = client.Reset(ctx, &computepb.ResetInstanceRequest{Project: p.project, Zone: z, Instance: serverID})
	}
	if err != nil {
		return fmt.Errorf("failed to %s VM %s: %w", action, serverID, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for %s on %s: %w", action, serverID, err)
	}
	return nil
}

// DestroyInstance terminates and removes the VM. A missing VM counts as deleted.
func (p *GCPDriver) DestroyInstance(ctx context.Context, req DestroyRequest) error {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}
	defer client.Close()

	op, err := client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.project,
		Zone:     gceZone(req.Region, req.Zone),
		Instance: req.StackName,
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete VM: %w", err)
	}

	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for VM deletion: %w", err)
	}
	return nil
}

func (p *GCPDriver) CreateDNSRecords(ctx context.Context, recordName string, env Environment, ip, rootZone string) error {
	if p.dns == nil {
		return fmt.Errorf("no DNS publisher configured for zone %s", rootZone)
	}
	return p.dns.Publish(ctx, rootZone, recordName, env.Subdomains, ip)
}

func (p *GCPDriver) CreateBucket(ctx context.Context, req BucketRequest) (*StorageCredentials, error) {
	return nil, ErrUnsupported
}

func (p *GCPDriver) DeleteBucket(ctx context.Context, req BucketRequest) error {
	return ErrUnsupported
}

func (p *GCPDriver) CreateRegistry(ctx context.Context, req BucketRequest) (*StorageCredentials, error) {
	return nil, ErrUnsupported
}

func (p *GCPDriver) DeleteRegistry(ctx context.Context, req BucketRequest) error {
	return ErrUnsupported
}
