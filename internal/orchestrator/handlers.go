package orchestrator

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/bootstrap"
	"github.com/fleetforge/backend/internal/gitlab"
	"github.com/fleetforge/backend/internal/naming"
	"github.com/fleetforge/backend/internal/notify"
	"github.com/fleetforge/backend/internal/provisioner"
)

// EnvironmentSnapshot is the environment as it was when the task was scheduled.
type EnvironmentSnapshot struct {
	ID                  int64    `json:"id"`
	Name                string   `json:"name"`
	Path                string   `json:"path"`
	Roles               []string `json:"roles"`
	Subdomains          []string `json:"subdomains"`
	EnvironmentTemplate string   `json:"environment_template"`
	DocTemplate         string   `json:"doc_template"`
}

// ProjectCredentials is the stored project, token included.
type ProjectCredentials struct {
	ID              int64  `json:"id"`
	URL             string `json:"url"`
	GitlabProjectID string `json:"gitlab_project_id"`
	GitlabHost      string `json:"gitlab_host"`
	GitUsername     string `json:"git_username"`
	AccessToken     string `json:"access_token"`
}

// CreateInstancePayload is everything the create_instance task needs. Flags are
// strings because they are passed through to the configuration script as is.
type CreateInstancePayload struct {
	Provider    string              `json:"provider"`
	Image       string              `json:"image"`
	InstanceID  int64               `json:"instance_id"`
	UserEmail   string              `json:"user_email"`
	Name        string              `json:"name"`
	HashedName  string              `json:"hashed_name"`
	Environment EnvironmentSnapshot `json:"environment"`
	Region      string              `json:"region"`
	Zone        string              `json:"zone"`
	GenerateDNS string              `json:"generate_dns"`
	GitProject  gitlab.Project      `json:"gitlab_project"`
	Credentials ProjectCredentials  `json:"project"`
	Type        string              `json:"type"`
	Debug       string              `json:"debug"`
	Centralized string              `json:"centralized"`
	RootDNSZone string              `json:"root_dns_zone"`
	Args        map[string]any      `json:"args,omitempty"`
}

type DeleteInstancePayload struct {
	InstanceID      int64    `json:"instance_id"`
	Provider        string   `json:"provider"`
	Region          string   `json:"region"`
	Zone            string   `json:"zone"`
	Name            string   `json:"name"`
	Hash            string   `json:"hash"`
	EnvironmentPath string   `json:"environment_path"`
	RootDNSZone     string   `json:"root_dns_zone"`
	GenerateDNS     bool     `json:"generate_dns"`
	Subdomains      []string `json:"subdomains"`
}

// HandleCreateInstance stages the bootstrap material and builds the remote machine.
// The instance row is the only place its outcome shows up.
func (s *Service) HandleCreateInstance(ctx context.Context, taskID string, p CreateInstancePayload) error {
	log := s.log.WithFields(logrus.Fields{
		"task_id":     taskID,
		"instance_id": p.InstanceID,
		"instance":    p.HashedName,
		"provider":    p.Provider,
	})

	d, err := s.driver(p.Provider)
	if err != nil {
		return err
	}

	// 1. Private working directory, removed whatever happens next
	dir, err := s.Stager.TaskDir(taskID)
	if err != nil {
		return err
	}
	defer s.Stager.Cleanup(dir)

	// 2. Passwords
	rootPassword := bootstrap.GeneratePassword(20)
	accessPassword := bootstrap.GeneratePassword(20)

	// 3. Configuration stage, best effort
	repoURL := p.GitProject.HTTPURLToRepo
	if repoURL == "" {
		repoURL = p.Credentials.URL
	}
	userRemote, err := gitlab.UserRemote(repoURL, p.UserEmail, p.Credentials.AccessToken)
	if err != nil {
		log.WithError(err).Warn("Cannot build user remote, skipping configuration stage")
	}
	params := bootstrap.AnsibleParams{
		EnvironmentPath:     p.Environment.Path,
		EnvironmentTemplate: p.Environment.EnvironmentTemplate,
		DocTemplate:         p.Environment.DocTemplate,
		Roles:               p.Environment.Roles,
		GitlabProjectName:   p.GitProject.Name,
		InstanceName:        p.Name,
		HashedName:          p.HashedName,
		PlaybookRepo:        gitlab.InjectCredentials(s.Stager.Config().PlaybookRepoURL, s.cfg.GitDefaultUsername, s.cfg.GitDefaultToken),
		ProjectRemote:       gitlab.InjectCredentials(repoURL, p.Credentials.GitUsername, p.Credentials.AccessToken),
		GitlabHost:          p.Credentials.GitlabHost,
		GenerateDNS:         p.GenerateDNS,
		UserEmail:           p.UserEmail,
		UserRemote:          userRemote,
		RootPassword:        rootPassword,
		RunnersToken:        p.GitProject.RunnersToken,
		AccessPassword:      accessPassword,
		RootDNSZone:         p.RootDNSZone,
		Centralized:         p.Centralized,
		Args:                p.Args,
	}
	if err := s.Stager.SetupAnsible(ctx, dir, params); err != nil {
		log.WithError(err).Error("Configuration stage failed")
	}

	// 4. Owner notification
	if p.Debug != "true" {
		err := s.Notifier.InstanceCreated(ctx, notify.InstanceCreated{
			Email:          p.UserEmail,
			Environment:    p.Environment.Name,
			EnvPath:        p.Environment.Path,
			InstanceName:   p.HashedName,
			RootDNSZone:    p.RootDNSZone,
			AccessPassword: accessPassword,
			RepositoryURL:  p.GitProject.WebURL,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to notify instance owner")
		}
	}

	// 5. User data
	path, err := s.Stager.RenderCloudInit(dir, d.CloudInitTemplate(), bootstrap.CloudInitData{
		DynamicRepo:       params.ProjectRemote,
		InstanceID:        p.InstanceID,
		GitlabProjectName: p.GitProject.Name,
		InstanceName:      p.HashedName,
		Debug:             p.Debug,
		Centralized:       p.Centralized,
	})
	if err != nil {
		return err
	}
	userData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cloud-init: %w", err)
	}

	// 6. Remote machine
	started := time.Now()
	res, err := d.CreateInstance(ctx, provisioner.CreateInstanceRequest{
		Name:        p.Name,
		HashedName:  p.HashedName,
		Region:      p.Region,
		Zone:        p.Zone,
		Type:        p.Type,
		Image:       p.Image,
		CloudInit:   string(userData),
		Environment: p.Environment.driverEnvironment(),
		GenerateDNS: p.GenerateDNS == "true",
		RootDNSZone: p.RootDNSZone,
		Labels: map[string]string{
			"instance-id": strconv.FormatInt(p.InstanceID, 10),
			"environment": naming.StackProjectName(p.Environment.Path),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", p.HashedName, err)
	}

	// 7. Completion is signalled through the row
	if res.IP == "" {
		log.Warn("Instance created without a public IP")
		return nil
	}
	if err := s.Store.UpdateInstanceIP(ctx, p.InstanceID, res.IP); err != nil {
		return fmt.Errorf("failed to persist instance ip: %w", err)
	}
	activated, err := s.Store.ActivateIfStarting(ctx, p.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to persist instance status: %w", err)
	}
	if !activated {
		log.WithField("ip", res.IP).Warn("Instance no longer starting, leaving its status")
		return nil
	}
	s.Metrics.InstanceProvisioned(p.Provider)
	log.WithFields(logrus.Fields{
		"ip":       res.IP,
		"duration": time.Since(started).String(),
	}).Info("Instance created")
	return nil
}

// HandleDeleteInstance destroys the instance stack, retrying with a linear backoff. It
// gives up with a warning after MaxRetry retries and never fails the task.
func (s *Service) HandleDeleteInstance(ctx context.Context, taskID string, p DeleteInstancePayload) error {
	stack := naming.RehashDynamicName(p.Name, p.Hash)
	log := s.log.WithFields(logrus.Fields{
		"task_id":     taskID,
		"instance_id": p.InstanceID,
		"stack":       stack,
	})

	d, err := s.driver(p.Provider)
	if err != nil {
		log.WithError(err).Warn("Cannot destroy instance")
		return nil
	}
	req := provisioner.DestroyRequest{
		Region:      p.Region,
		Zone:        p.Zone,
		StackName:   stack,
		ProjectName: naming.StackProjectName(p.EnvironmentPath),
	}

	for attempt := 0; attempt <= s.cfg.MaxRetry; attempt++ {
		if attempt > 0 {
			s.Metrics.DeleteRetry()
			if err := s.sleep(ctx, s.cfg.WaitTime*time.Duration(attempt)); err != nil {
				log.WithError(err).Warn("Destroy interrupted")
				return nil
			}
		}
		err := destroyOnce(ctx, d, req)
		if err == nil {
			log.WithField("attempt", attempt).Info("Instance destroyed")
			s.unpublish(ctx, log, p, stack)
			return nil
		}
		log.WithError(err).WithField("attempt", attempt).Warn("Destroy attempt failed")
	}

	log.WithField("attempts", s.cfg.MaxRetry+1).Warn("Giving up destroying instance")
	return nil
}

func destroyOnce(ctx context.Context, d provisioner.Driver, req provisioner.DestroyRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return d.DestroyInstance(ctx, req)
}

// unpublish drops records written outside the provider stack.
func (s *Service) unpublish(ctx context.Context, log *logrus.Entry, p DeleteInstancePayload, stack string) {
	if !p.GenerateDNS || s.Records == nil || !s.Records.Manages(p.RootDNSZone) {
		return
	}
	if err := s.Records.Unpublish(ctx, p.RootDNSZone, stack, p.Subdomains); err != nil {
		log.WithError(err).Warn("Failed to remove DNS records")
	}
}
