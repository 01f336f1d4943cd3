package provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetforge/backend/internal/config"
)

// MockDriver implements Driver in memory for local development and testing.
// Error fields are returned by the matching operation when set.
type MockDriver struct {
	catalogView

	mu      sync.Mutex
	name    string
	servers map[string]*Server
	stacks  map[string]bool
	buckets map[string]bool
	counter int
	calls   []string

	CreateErr  error
	LookupErr  error
	PowerErr   error
	RefreshErr error
	DNSErr     error
	// DestroyErr is returned by the first DestroyFailures calls to DestroyInstance,
	// or by every call when DestroyFailures is negative.
	DestroyErr      error
	DestroyFailures int
	// NoIP makes CreateInstance succeed without reporting an address.
	NoIP bool
}

// NewMockDriver creates a mock registered under name, answering listings from catalog.
func NewMockDriver(name string, catalog *config.Catalog) *MockDriver {
	if catalog == nil {
		catalog = &config.Catalog{}
	}
	return &MockDriver{
		catalogView: catalogView{provider: name, catalog: catalog},
		name:        name,
		servers:     make(map[string]*Server),
		stacks:      make(map[string]bool),
		buckets:     make(map[string]bool),
	}
}

func (m *MockDriver) Name() string { return m.name }

func (m *MockDriver) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// Calls returns the operations performed so far, in order.
func (m *MockDriver) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// AddServer places a machine named name in the given state.
func (m *MockDriver) AddServer(name string, state ServerState) *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	s := &Server{
		ID:       fmt.Sprintf("mock-%d", m.counter),
		Name:     name,
		State:    string(state),
		Type:     "mock.small",
		PublicIP: fmt.Sprintf("10.0.0.%d", m.counter),
	}
	m.servers[name] = s
	return s
}

// SetState forces the state reported for name.
func (m *MockDriver) SetState(name string, state ServerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.servers[name]; ok {
		s.State = string(state)
	}
}

func (m *MockDriver) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	m.mu.Lock()
	m.record("create %s", req.HashedName)
	if m.CreateErr != nil {
		m.mu.Unlock()
		return nil, m.CreateErr
	}
	m.stacks[req.HashedName] = true
	noIP := m.NoIP
	m.mu.Unlock()

	s := m.AddServer(req.HashedName, StateRunning)
	m.mu.Lock()
	s.Type = req.Type
	if noIP {
		s.PublicIP = ""
	}
	ip := s.PublicIP
	m.mu.Unlock()

	if ip == "" {
		return &CreateInstanceResult{}, nil
	}
	if req.GenerateDNS {
		if err := m.CreateDNSRecords(ctx, req.HashedName, req.Environment, ip, req.RootDNSZone); err != nil {
			return nil, err
		}
	}
	return &CreateInstanceResult{IP: ip}, nil
}

func (m *MockDriver) RefreshInstance(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("refresh %s", req.HashedName)
	if m.RefreshErr != nil {
		return nil, m.RefreshErr
	}
	s, ok := m.servers[req.HashedName]
	if !ok {
		return &RefreshResult{}, nil
	}
	return &RefreshResult{IP: s.PublicIP, Type: s.Type}, nil
}

func (m *MockDriver) GetVirtualMachine(ctx context.Context, region, zone, name string) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get %s", name)
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	s, ok := m.servers[name]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *MockDriver) GetServerState(server *Server) ServerState {
	switch st := ServerState(server.State); st {
	case StateRunning, StateStopped, StateStarting, StateStopping, StateRebooting, StateDeleted:
		return st
	default:
		return StateUnknown
	}
}

func (m *MockDriver) UpdateVirtualMachineStatus(ctx context.Context, region, zone, serverID string, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("%s %s", action, serverID)
	if m.PowerErr != nil {
		return m.PowerErr
	}
	for _, s := range m.servers {
		if s.ID != serverID {
			continue
		}
		switch action {
		case ActionPowerOff:
			s.State = string(StateStopped)
		case ActionPowerOn, ActionReboot:
			s.State = string(StateRunning)
		}
	}
	return nil
}

func (m *MockDriver) DestroyInstance(ctx context.Context, req DestroyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("destroy %s", req.StackName)
	if m.DestroyErr != nil && m.DestroyFailures != 0 {
		if m.DestroyFailures > 0 {
			m.DestroyFailures--
		}
		return m.DestroyErr
	}
	delete(m.stacks, req.StackName)
	delete(m.servers, req.StackName)
	return nil
}

func (m *MockDriver) CloudInitTemplate() string { return "mock.yml.tmpl" }

func (m *MockDriver) CreateDNSRecords(ctx context.Context, recordName string, env Environment, ip, rootZone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("dns %s.%s %s", recordName, rootZone, ip)
	return m.DNSErr
}

func (m *MockDriver) CreateBucket(ctx context.Context, req BucketRequest) (*StorageCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create-bucket %s", req.Name)
	if m.buckets[req.Name] {
		return nil, ErrStackExists
	}
	m.buckets[req.Name] = true
	return &StorageCredentials{
		Name:            req.Name,
		Endpoint:        "mock://" + req.Name,
		AccessKeyID:     "MOCKKEY",
		SecretAccessKey: "mocksecret",
	}, nil
}

func (m *MockDriver) DeleteBucket(ctx context.Context, req BucketRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete-bucket %s", req.Name)
	delete(m.buckets, req.Name)
	return nil
}

func (m *MockDriver) CreateRegistry(ctx context.Context, req BucketRequest) (*StorageCredentials, error) {
	return m.CreateBucket(ctx, req)
}

func (m *MockDriver) DeleteRegistry(ctx context.Context, req BucketRequest) error {
	return m.DeleteBucket(ctx, req)
}
