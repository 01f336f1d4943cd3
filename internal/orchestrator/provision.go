package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/apperrs"
	"github.com/fleetforge/backend/internal/naming"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/store"
	"github.com/fleetforge/backend/internal/tasks"
)

// ProvisionRequest creates a new instance. The first four fields come from the URL.
type ProvisionRequest struct {
	Provider    string `json:"-"`
	Region      string `json:"-"`
	Zone        string `json:"-"`
	Environment string `json:"-"`

	Name        string         `json:"name"`
	Type        string         `json:"type"`
	ProjectID   int64          `json:"project_id"`
	ProjectName string         `json:"project_name"`
	ProjectURL  string         `json:"project_url"`
	RootDNSZone string         `json:"root_dns_zone"`
	Debug       bool           `json:"debug"`
	Args        map[string]any `json:"args"`
	// Email selects the owner in admin calls.
	Email string `json:"email"`
}

// AttachRequest provisions a soft-deleted instance again under its name and hash.
type AttachRequest struct {
	Provider  string `json:"-"`
	Region    string `json:"-"`
	Zone      string `json:"-"`
	ProjectID int64  `json:"-"`

	Name  string `json:"name"`
	Type  string `json:"type"`
	Debug bool   `json:"debug"`
	Email string `json:"email"`
}

// Provision validates req for the caller, registers the instance and enqueues its
// creation.
func (s *Service) Provision(ctx context.Context, caller *store.User, req ProvisionRequest) (*InstanceView, error) {
	return s.provision(ctx, caller, req)
}

// AdminProvision provisions on behalf of the user named by req.Email.
func (s *Service) AdminProvision(ctx context.Context, req ProvisionRequest) (*InstanceView, error) {
	if req.Environment == "" {
		return nil, apperrs.BadRequest("environment_missing", "environment is missing")
	}
	owner, err := s.targetUser(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	return s.provision(ctx, owner, req)
}

func (s *Service) targetUser(ctx context.Context, email string) (*store.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, apperrs.BadRequest("provide_email", "please provide an email")
	}
	u, err := s.Store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, apperrs.Server("failed to load user", err)
	}
	if u == nil {
		return nil, apperrs.NotFound("user_not_found", "user not found")
	}
	return u, nil
}

func (s *Service) provision(ctx context.Context, owner *store.User, req ProvisionRequest) (*InstanceView, error) {
	// 1. Name usable as a DNS label
	if req.Name == "" {
		return nil, apperrs.BadRequest("provide_instance_name", "please provide instance name")
	}
	if !naming.IsSubdomainValid(req.Name) {
		return nil, apperrs.BadRequest("instance_name_invalid", "The instance name is not valid")
	}
	name := strings.ToLower(req.Name)

	// 2. Provider
	d, err := s.driver(req.Provider)
	if err != nil {
		return nil, err
	}

	// 3. Project, scoped to the owner
	if req.ProjectID == 0 && req.ProjectName == "" && req.ProjectURL == "" {
		return nil, apperrs.BadRequest("provide_project_id_or_name_or_url", "please provide a project id or a project name or a project url")
	}
	project, err := s.resolveProject(ctx, owner.ID, req)
	if err != nil {
		return nil, err
	}

	// 4. DNS zone
	generateDNS := "false"
	rootZone := ""
	if s.Zones != nil && s.Zones.Configured() {
		generateDNS = "true"
		rootZone = req.RootDNSZone
		if rootZone == "" {
			rootZone = s.Zones.Default()
		}
		if !s.Zones.Contains(rootZone) {
			return nil, apperrs.BadRequest("provide_valid_root_dns_zone", "please provide a valid root dns zone")
		}
	}

	// 5. Environment
	env, err := s.Store.GetEnvironmentByPath(ctx, req.Environment)
	if err != nil {
		return nil, apperrs.Server("failed to load environment", err)
	}
	if env == nil {
		return nil, apperrs.NotFound("environment_not_found", "environment not found")
	}

	// 6. Region and zone
	if err := checkRegionZone(d, req.Region, req.Zone); err != nil {
		return nil, err
	}

	// 7. Instance type
	instanceType, err := resolveType(d, req.Region, req.Zone, req.Type)
	if err != nil {
		return nil, err
	}

	// 8. Hosted project, credentials and playbooks
	gp, playbooks, err := s.fetchGitProject(ctx, project)
	if err != nil {
		return nil, err
	}
	if err := naming.CheckInstanceNameValidity(name); err != nil {
		return nil, err
	}

	// 9. Early exit on an active homonym, the unique index has the final word
	existing, err := s.Store.FindActiveInstanceByName(ctx, owner.ID, name)
	if err != nil {
		return nil, apperrs.Server("failed to check existing instances", err)
	}
	if existing != nil {
		return nil, apperrs.Conflict(apperrs.CodeInstanceExists, "instance already exists")
	}

	// 10. Centralized mode
	centralized := "none"
	if len(playbooks) > 0 {
		centralized = "true"
		for _, pb := range playbooks {
			if pb == name {
				return nil, apperrs.Conflict("playbook_exists", "playbook already exists")
			}
		}
	}

	// 11. Register
	hash, hashed := naming.GenerateHashedName(name)
	inst := &store.Instance{
		Hash:          hash,
		Name:          name,
		Type:          instanceType,
		Provider:      req.Provider,
		Region:        req.Region,
		Zone:          req.Zone,
		Status:        store.StatusStarting,
		RootDNSZone:   rootZone,
		EnvironmentID: env.ID,
		ProjectID:     project.ID,
		UserID:        owner.ID,
	}
	if err := s.Store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, store.ErrInstanceExists) {
			return nil, apperrs.Conflict(apperrs.CodeInstanceExists, "instance already exists")
		}
		return nil, apperrs.Server("failed to register instance", err)
	}

	// 12. Hand over to the worker
	payload := CreateInstancePayload{
		Provider:    req.Provider,
		Image:       d.Image(req.Region, req.Zone),
		InstanceID:  inst.ID,
		UserEmail:   owner.Email,
		Name:        name,
		HashedName:  hashed,
		Environment: snapshotEnvironment(env),
		Region:      req.Region,
		Zone:        req.Zone,
		GenerateDNS: generateDNS,
		GitProject:  *gp,
		Credentials: snapshotCredentials(project),
		Type:        instanceType,
		Debug:       boolString(req.Debug),
		Centralized: centralized,
		RootDNSZone: rootZone,
		Args:        req.Args,
	}
	log := s.log.WithFields(logrus.Fields{"instance_id": inst.ID, "instance": hashed})
	if err := s.enqueue(ctx, tasks.KindCreateInstance, payload); err != nil {
		log.WithError(err).Error("Instance registered but creation could not be scheduled")
		return nil, apperrs.Server("failed to schedule instance creation", err)
	}
	log.Info("Instance provisioning scheduled")

	return &InstanceView{
		Instance:      inst,
		Environment:   env.Name,
		Path:          env.Path,
		GitlabProject: project.URL,
	}, nil
}

func (s *Service) resolveProject(ctx context.Context, ownerID int64, req ProvisionRequest) (*store.Project, error) {
	var (
		project *store.Project
		err     error
	)
	switch {
	case req.ProjectID != 0:
		project, err = s.Store.GetUserProjectByID(ctx, req.ProjectID, ownerID)
	case req.ProjectName != "":
		project, err = s.Store.GetUserProjectByName(ctx, req.ProjectName, ownerID)
	default:
		project, err = s.Store.GetUserProjectByURL(ctx, req.ProjectURL, ownerID)
	}
	if err != nil {
		return nil, apperrs.Server("failed to load project", err)
	}
	if project == nil {
		if req.ProjectID == 0 && req.ProjectName == "" {
			return nil, apperrs.NotFound("project_not_found_with_gitlab", "project not found")
		}
		return nil, apperrs.NotFound("project_not_found", "project not found")
	}
	return project, nil
}

// Attach provisions the caller's soft-deleted instance again.
func (s *Service) Attach(ctx context.Context, caller *store.User, req AttachRequest) (*InstanceView, error) {
	return s.attach(ctx, caller, req)
}

// AdminAttach attaches on behalf of the user named by req.Email.
func (s *Service) AdminAttach(ctx context.Context, req AttachRequest) (*InstanceView, error) {
	owner, err := s.targetUser(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, owner, req)
}

func (s *Service) attach(ctx context.Context, owner *store.User, req AttachRequest) (*InstanceView, error) {
	// 1. Name
	if !naming.IsSubdomainValid(req.Name) {
		return nil, apperrs.BadRequest("instance_name_invalid", "The instance name is not valid")
	}
	name := strings.ToLower(req.Name)

	// 2. Only soft-deleted instances come back
	inst, err := s.Store.FindUserInstanceByName(ctx, owner.ID, name)
	if err != nil {
		return nil, apperrs.Server("failed to load instance", err)
	}
	if inst == nil {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}
	if inst.Status != store.StatusDeleted {
		return nil, apperrs.NotFound("instance_running_with_playbook", "Instance already running with this playbook")
	}

	// 3. Provider
	d, err := s.driver(req.Provider)
	if err != nil {
		return nil, err
	}

	// 4. Project and hosted project
	project, err := s.Store.GetUserProjectByID(ctx, req.ProjectID, owner.ID)
	if err != nil {
		return nil, apperrs.Server("failed to load project", err)
	}
	if project == nil {
		return nil, apperrs.NotFound("project_not_found", "Project not found")
	}
	gp, playbooks, err := s.fetchGitProject(ctx, project)
	if err != nil {
		return nil, err
	}

	// 5. Playbook
	if len(playbooks) == 0 {
		return nil, apperrs.BadRequest("project_has_no_playbooks", "Project has no playbooks")
	}
	if name == "" {
		return nil, apperrs.BadRequest("select_playbook", "please specify the playbook you want to attach")
	}
	found := false
	for _, pb := range playbooks {
		if pb == name {
			found = true
			break
		}
	}
	if !found {
		return nil, apperrs.NotFound("playbook_not_found", "playbook not found")
	}

	// 6. Type, region, zone
	instanceType, err := resolveType(d, req.Region, req.Zone, req.Type)
	if err != nil {
		return nil, err
	}
	if err := checkRegionZone(d, req.Region, req.Zone); err != nil {
		return nil, err
	}

	// 7. DNS follows the zone the instance was first created under
	generateDNS := "false"
	if s.Zones != nil && s.Zones.Configured() && s.Zones.Contains(inst.RootDNSZone) {
		generateDNS = "true"
	}

	// 8. Environment
	env, err := s.Store.GetEnvironment(ctx, inst.EnvironmentID)
	if err != nil {
		return nil, apperrs.Server("failed to load environment", err)
	}
	if env == nil {
		return nil, apperrs.NotFound("environment_not_found", "environment not found")
	}

	// 9. Re-register, keeping the hash
	err = s.Store.ReregisterInstance(ctx, inst.ID, store.Registration{
		Provider:    req.Provider,
		Region:      req.Region,
		Zone:        req.Zone,
		Type:        instanceType,
		RootDNSZone: inst.RootDNSZone,
		ProjectID:   project.ID,
	})
	if err != nil {
		if errors.Is(err, store.ErrInstanceExists) {
			return nil, apperrs.Conflict(apperrs.CodeInstanceExists, "instance already exists")
		}
		return nil, apperrs.Server("failed to re-register instance", err)
	}
	inst, err = s.Store.GetInstance(ctx, inst.ID)
	if err != nil || inst == nil {
		return nil, apperrs.Server("failed to reload instance", err)
	}

	// 10. Attach never recreates CI configuration
	hashed := naming.RehashDynamicName(inst.Name, inst.Hash)
	payload := CreateInstancePayload{
		Provider:    req.Provider,
		Image:       d.Image(req.Region, req.Zone),
		InstanceID:  inst.ID,
		UserEmail:   owner.Email,
		Name:        inst.Name,
		HashedName:  hashed,
		Environment: snapshotEnvironment(env),
		Region:      req.Region,
		Zone:        req.Zone,
		GenerateDNS: generateDNS,
		GitProject:  *gp,
		Credentials: snapshotCredentials(project),
		Type:        instanceType,
		Debug:       boolString(req.Debug),
		Centralized: "false",
		RootDNSZone: inst.RootDNSZone,
	}
	log := s.log.WithFields(logrus.Fields{"instance_id": inst.ID, "instance": hashed})
	if err := s.enqueue(ctx, tasks.KindCreateInstance, payload); err != nil {
		log.WithError(err).Error("Instance re-registered but creation could not be scheduled")
		return nil, apperrs.Server("failed to schedule instance creation", err)
	}
	log.Info("Instance attach scheduled")

	return &InstanceView{
		Instance:      inst,
		Environment:   env.Name,
		Path:          env.Path,
		GitlabProject: project.URL,
	}, nil
}

func snapshotEnvironment(env *store.Environment) EnvironmentSnapshot {
	return EnvironmentSnapshot{
		ID:                  env.ID,
		Name:                env.Name,
		Path:                env.Path,
		Roles:               env.Roles,
		Subdomains:          env.Subdomains,
		EnvironmentTemplate: env.EnvironmentTemplate,
		DocTemplate:         env.DocTemplate,
	}
}

func snapshotCredentials(p *store.Project) ProjectCredentials {
	return ProjectCredentials{
		ID:              p.ID,
		URL:             p.URL,
		GitlabProjectID: p.GitlabProjectID,
		GitlabHost:      p.GitlabHost,
		GitUsername:     p.GitUsername,
		AccessToken:     p.AccessToken,
	}
}

func (e EnvironmentSnapshot) driverEnvironment() provisioner.Environment {
	return provisioner.Environment{Name: e.Name, Path: e.Path, Subdomains: e.Subdomains}
}
