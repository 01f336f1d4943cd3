// Package orchestrator validates instance lifecycle requests, records them and hands the
// slow infrastructure work to background tasks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/apperrs"
	"github.com/fleetforge/backend/internal/bootstrap"
	"github.com/fleetforge/backend/internal/gitlab"
	"github.com/fleetforge/backend/internal/metrics"
	"github.com/fleetforge/backend/internal/notify"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/store"
	"github.com/fleetforge/backend/internal/tasks"
)

// GitHost is the part of the git-hosting client the orchestrator uses.
type GitHost interface {
	GetProject(ctx context.Context, creds gitlab.Credentials, ref string) (*gitlab.Project, error)
	ListRunners(ctx context.Context, creds gitlab.Credentials, projectID string) ([]gitlab.Runner, error)
	DeleteRunner(ctx context.Context, creds gitlab.Credentials, runnerID int64) error
	ListPlaybooks(ctx context.Context, creds gitlab.Credentials, projectID string) ([]string, error)
}

// Zones is the configured set of root DNS zones.
type Zones interface {
	Configured() bool
	Contains(zone string) bool
	Default() string
}

// RecordRemover drops records published outside provider stacks once an instance is gone.
type RecordRemover interface {
	Manages(zone string) bool
	Unpublish(ctx context.Context, zone, name string, subdomains []string) error
}

type Config struct {
	MaxRetry int
	WaitTime time.Duration
	// Default credentials injected into the playbook repository url.
	GitDefaultUsername string
	GitDefaultToken    string
}

// Deps groups the collaborators of the Service. Records and Metrics are optional.
type Deps struct {
	Store    store.Store
	Drivers  *provisioner.Registry
	Git      GitHost
	Zones    Zones
	Records  RecordRemover
	Stager   *bootstrap.Stager
	Queue    tasks.Queue
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

type Service struct {
	Deps
	cfg   Config
	log   *logrus.Entry
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(deps Deps, cfg Config) *Service {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}
	return &Service{
		Deps:  deps,
		cfg:   cfg,
		log:   deps.Logger.WithField("component", "orchestrator"),
		sleep: sleepContext,
	}
}

// RegisterHandlers binds the background task kinds to w.
func (s *Service) RegisterHandlers(w *tasks.Worker) {
	w.Handle(tasks.KindCreateInstance, func(ctx context.Context, task tasks.Task) error {
		var p CreateInstancePayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return s.HandleCreateInstance(ctx, task.ID.String(), p)
	})
	w.Handle(tasks.KindDeleteInstance, func(ctx context.Context, task tasks.Task) error {
		var p DeleteInstancePayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return s.HandleDeleteInstance(ctx, task.ID.String(), p)
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result is the body of successful update and delete calls.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"i18n_code"`
}

// InstanceView is an instance with the names of what it is linked to.
type InstanceView struct {
	*store.Instance
	Environment   string         `json:"environment"`
	Path          string         `json:"path"`
	GitlabProject string         `json:"gitlab_project,omitempty"`
	Project       *store.Project `json:"project,omitempty"`
}

func (s *Service) driver(name string) (provisioner.Driver, error) {
	d, ok := s.Drivers.Get(name)
	if !ok {
		return nil, apperrs.NotFound("provider_not_exist", "provider does not exist")
	}
	return d, nil
}

func (s *Service) enqueue(ctx context.Context, kind string, payload any) error {
	task, err := tasks.New(kind, payload)
	if err != nil {
		return err
	}
	if err := s.Queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	s.Metrics.TaskEnqueued(kind)
	s.log.WithFields(logrus.Fields{"task_id": task.ID.String(), "kind": kind}).Debug("Task enqueued")
	return nil
}

// view loads the environment and project linked to inst.
func (s *Service) view(ctx context.Context, inst *store.Instance) (*InstanceView, error) {
	v := &InstanceView{Instance: inst}
	env, err := s.Store.GetEnvironment(ctx, inst.EnvironmentID)
	if err != nil {
		return nil, apperrs.Server("failed to load environment", err)
	}
	if env != nil {
		v.Environment = env.Name
		v.Path = env.Path
	}
	project, err := s.Store.GetProject(ctx, inst.ProjectID)
	if err != nil {
		return nil, apperrs.Server("failed to load project", err)
	}
	if project != nil {
		v.Project = project
		v.GitlabProject = project.URL
	}
	return v, nil
}

func parseID(raw, code string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrs.BadRequest(code, "Invalid instance id")
	}
	return id, nil
}

func credentials(p *store.Project) gitlab.Credentials {
	return gitlab.Credentials{Host: p.GitlabHost, Token: p.AccessToken}
}

// gitError maps git-hosting failures to the caller-facing errors. HTTP errors keep
// the upstream status.
func gitError(err error) error {
	if errors.Is(err, gitlab.ErrProjectNotFound) {
		return apperrs.NotFound("project_not_found_with_gitlab", "project not found with gitlab")
	}
	var httpErr *gitlab.HTTPError
	if errors.As(err, &httpErr) {
		status := httpErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		return apperrs.Client(status, apperrs.CodeGitlabHTTP, httpErr.Reason)
	}
	return apperrs.Server("failed to reach git hosting", err)
}

// fetchGitProject loads the hosted project behind p and refreshes the stored
// credentials from it.
func (s *Service) fetchGitProject(ctx context.Context, p *store.Project) (*gitlab.Project, []string, error) {
	ref := p.GitlabProjectID
	if ref == "" {
		ref = p.URL
	}
	gp, err := s.Git.GetProject(ctx, credentials(p), ref)
	if err != nil {
		return nil, nil, gitError(err)
	}

	gitlabID := strconv.FormatInt(gp.ID, 10)
	url := gp.WebURL
	if url == "" {
		url = p.URL
	}
	if url != p.URL || gitlabID != p.GitlabProjectID {
		if err := s.Store.UpdateProjectCredentials(ctx, p.ID, url, gitlabID); err != nil {
			return nil, nil, apperrs.Server("failed to refresh project credentials", err)
		}
		p.URL, p.GitlabProjectID = url, gitlabID
	}

	playbooks, err := s.Git.ListPlaybooks(ctx, credentials(p), gitlabID)
	if err != nil {
		return nil, nil, gitError(err)
	}
	return gp, playbooks, nil
}

// resolveType returns requested when it is offered, the first offered type when
// requested is empty.
func resolveType(d provisioner.Driver, region, zone, requested string) (string, error) {
	available := d.InstanceTypes(region, zone)
	if requested == "" {
		if len(available) == 0 {
			return "", apperrs.BadRequest("instance_type_not_exist", "Instance type does not exist")
		}
		return available[0], nil
	}
	if lo.Contains(available, requested) {
		return requested, nil
	}
	return "", apperrs.BadRequest("instance_type_not_exist", "Instance type does not exist")
}

func checkRegionZone(d provisioner.Driver, region, zone string) error {
	if !lo.Contains(d.Regions(), region) {
		return apperrs.BadRequest("region_not_exist", "region does not exist")
	}
	if !lo.Contains(d.Zones(region), zone) {
		return apperrs.BadRequest("zone_not_exist", "zone does not exist")
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
