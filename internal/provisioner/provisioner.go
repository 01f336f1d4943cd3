package provisioner

import (
	"context"
	"errors"

	"github.com/fleetforge/backend/internal/config"
)

var (
	// ErrStackExists is returned when the infrastructure stack for an instance is
	// already being created or updated.
	ErrStackExists = errors.New("stack already exists")

	// ErrUnsupported is returned by drivers for operations their provider does not offer.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// ServerState is the provider-neutral state of a remote machine.
type ServerState string

const (
	StateRunning   ServerState = "running"
	StateStopped   ServerState = "stopped"
	StateStarting  ServerState = "starting"
	StateStopping  ServerState = "stopping"
	StateRebooting ServerState = "rebooting"
	StateDeleted   ServerState = "deleted"
	StateUnknown   ServerState = "unknown"
)

// Action is a lifecycle transition requested on an instance.
type Action string

const (
	ActionPowerOff Action = "poweroff"
	ActionPowerOn  Action = "poweron"
	ActionReboot   Action = "reboot"
	ActionActivate Action = "activate"
	ActionDelete   Action = "delete"
)

// Environment is the part of a deployment environment drivers need.
type Environment struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Subdomains []string `json:"subdomains"`
}

// CreateInstanceRequest is everything needed to build one remote machine.
type CreateInstanceRequest struct {
	Name        string // user facing name
	HashedName  string // remote resource, stack and DNS record name
	Region      string
	Zone        string
	Type        string
	Image       string
	CloudInit   string // rendered user data
	Environment Environment
	GenerateDNS bool
	RootDNSZone string
	Labels      map[string]string
}

type CreateInstanceResult struct {
	IP string `json:"ip"`
}

type RefreshRequest struct {
	Region     string
	Zone       string
	HashedName string
}

// RefreshResult holds what the provider currently reports. Empty fields are unknown.
type RefreshResult struct {
	IP   string `json:"ip,omitempty"`
	Type string `json:"type,omitempty"`
}

// Server is a remote machine as the provider reports it. State is the raw provider value,
// use Driver.GetServerState to normalize it.
type Server struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Type     string `json:"type"`
	PublicIP string `json:"public_ip"`
}

type DestroyRequest struct {
	Region      string
	Zone        string
	StackName   string
	ProjectName string
}

// BucketRequest describes an object storage bucket (or container registry) owned by one user.
type BucketRequest struct {
	Name   string
	Region string
	Owner  string
}

// StorageCredentials are returned once, on creation.
type StorageCredentials struct {
	Name            string `json:"name"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// RecordPublisher writes DNS records for zones not managed inside a provider stack.
type RecordPublisher interface {
	Publish(ctx context.Context, zone, name string, subdomains []string, ip string) error
}

// Driver abstracts one cloud provider.
type Driver interface {
	Name() string

	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error)
	RefreshInstance(ctx context.Context, req RefreshRequest) (*RefreshResult, error)
	// GetVirtualMachine returns nil, nil when nothing carries that name.
	GetVirtualMachine(ctx context.Context, region, zone, name string) (*Server, error)
	GetServerState(server *Server) ServerState
	UpdateVirtualMachineStatus(ctx context.Context, region, zone, serverID string, action Action) error
	DestroyInstance(ctx context.Context, req DestroyRequest) error

	// CloudInitTemplate names the bootstrap template used for this provider.
	CloudInitTemplate() string
	CreateDNSRecords(ctx context.Context, recordName string, env Environment, ip, rootZone string) error

	CreateBucket(ctx context.Context, req BucketRequest) (*StorageCredentials, error)
	DeleteBucket(ctx context.Context, req BucketRequest) error
	CreateRegistry(ctx context.Context, req BucketRequest) (*StorageCredentials, error)
	DeleteRegistry(ctx context.Context, req BucketRequest) error

	Regions() []string
	Zones(region string) []string
	InstanceTypes(region, zone string) []string
	Image(region, zone string) string
}

// catalogView answers the listing part of Driver from the static catalog.
type catalogView struct {
	provider string
	catalog  *config.Catalog
}

func (c catalogView) Regions() []string {
	return c.catalog.RegionNames(c.provider)
}

func (c catalogView) Zones(region string) []string {
	r, ok := c.catalog.Region(c.provider, region)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(r.Zones))
	for _, z := range r.Zones {
		names = append(names, z.Name)
	}
	return names
}

func (c catalogView) InstanceTypes(region, zone string) []string {
	return c.catalog.InstanceTypes(c.provider, region, zone)
}

func (c catalogView) Image(region, zone string) string {
	if z, ok := c.catalog.Zone(c.provider, region, zone); ok {
		return z.Image
	}
	return ""
}

func (c catalogView) zone(region, zone string) config.Zone {
	if z, ok := c.catalog.Zone(c.provider, region, zone); ok {
		return *z
	}
	return config.Zone{}
}

// Registry maps provider names to their drivers. It is built once at start-up.
type Registry struct {
	drivers map[string]Driver
	order   []string
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Driver) {
	if _, ok := r.drivers[d.Name()]; !ok {
		r.order = append(r.order, d.Name())
	}
	r.drivers[d.Name()] = d
}

func (r *Registry) Get(name string) (Driver, bool) {
	d, ok := r.drivers[name]
	return d, ok
}

// Names lists providers in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
