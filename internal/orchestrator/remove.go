package orchestrator

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/apperrs"
	"github.com/fleetforge/backend/internal/gitlab"
	"github.com/fleetforge/backend/internal/naming"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/store"
	"github.com/fleetforge/backend/internal/tasks"
)

// Remove deletes one of the caller's instances.
func (s *Service) Remove(ctx context.Context, caller *store.User, provider, region, rawID string) (*Result, error) {
	if _, err := s.driver(provider); err != nil {
		return nil, err
	}
	id, err := parseID(rawID, "invalid_numeric_id")
	if err != nil {
		return nil, err
	}
	inst, err := s.Store.FindUserInstance(ctx, caller.ID, provider, region, id)
	if err != nil {
		return nil, apperrs.Server("failed to load instance", err)
	}
	if inst == nil || inst.Status == store.StatusDeleted {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}
	return s.GenericRemoveInstance(ctx, inst)
}

// AdminRemove deletes any instance.
func (s *Service) AdminRemove(ctx context.Context, rawID string) (*Result, error) {
	inst, err := s.adminInstance(ctx, rawID, "invalid_numeric_id")
	if err != nil {
		return nil, err
	}
	if inst.Status == store.StatusDeleted {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}
	return s.GenericRemoveInstance(ctx, inst)
}

// GenericRemoveInstance schedules the destruction of inst and marks it deleted. The
// row is soft-deleted so the instance can be attached again later.
func (s *Service) GenericRemoveInstance(ctx context.Context, inst *store.Instance) (*Result, error) {
	d, err := s.driver(inst.Provider)
	if err != nil {
		return nil, err
	}
	hashed := naming.RehashDynamicName(inst.Name, inst.Hash)
	log := s.log.WithFields(logrus.Fields{"instance_id": inst.ID, "instance": hashed})

	// 1. Protection
	if inst.IsProtected {
		return nil, apperrs.BadRequest("can_not_remove_protected_instance", "You can't remove a protected instance")
	}

	// 2. Remote machine, a lookup failure does not block removal
	server, err := d.GetVirtualMachine(ctx, inst.Region, inst.Zone, hashed)
	if err != nil {
		log.WithError(err).Warn("Failed to look up virtual machine")
		server = nil
	}

	// 3. Only settled machines can go
	serverID := ""
	if server != nil {
		serverID = server.ID
		switch d.GetServerState(server) {
		case provisioner.StateRunning, provisioner.StateStopped:
		default:
			return nil, apperrs.BadRequest("can_not_delete_instance_while_running_or_stopped",
				"Instance can only be deleted when it is running or stopped")
		}
	}

	env, err := s.Store.GetEnvironment(ctx, inst.EnvironmentID)
	if err != nil {
		return nil, apperrs.Server("failed to load environment", err)
	}
	payload := DeleteInstancePayload{
		InstanceID:  inst.ID,
		Provider:    inst.Provider,
		Region:      inst.Region,
		Zone:        inst.Zone,
		Name:        inst.Name,
		Hash:        inst.Hash,
		RootDNSZone: inst.RootDNSZone,
		GenerateDNS: inst.RootDNSZone != "",
	}
	if env != nil {
		payload.EnvironmentPath = env.Path
		payload.Subdomains = env.Subdomains
	}

	// 4. Destruction happens in the background. The row stays as is when nothing will
	// destroy the machine.
	if err := s.enqueue(ctx, tasks.KindDeleteInstance, payload); err != nil {
		return nil, apperrs.Server("failed to schedule instance destruction", err)
	}

	// 5. Runner cleanup, best effort
	s.removeRunner(ctx, log, inst)

	// 6. Soft delete
	if err := s.UpdateInstanceStatus(ctx, inst, serverID, provisioner.ActionDelete); err != nil {
		return nil, err
	}
	log.Info("Instance removed")
	return &Result{Status: "ok", Message: "instance state successfully deleted", Code: "instance_deleted"}, nil
}

func (s *Service) removeRunner(ctx context.Context, log *logrus.Entry, inst *store.Instance) {
	if inst.IPAddress == "" {
		return
	}
	project, err := s.Store.GetProject(ctx, inst.ProjectID)
	if err != nil || project == nil {
		log.WithError(err).Warn("Cannot load project for runner cleanup")
		return
	}
	creds := credentials(project)
	runners, err := s.Git.ListRunners(ctx, creds, project.GitlabProjectID)
	if err != nil {
		log.WithError(err).Warn("Failed to list runners")
		return
	}
	runner, ok := gitlab.RunnerByIP(runners, inst.IPAddress)
	if !ok {
		return
	}
	if err := s.Git.DeleteRunner(ctx, creds, runner.ID); err != nil {
		log.WithError(err).WithField("runner_id", runner.ID).Warn("Failed to delete runner")
		return
	}
	log.WithField("runner_id", runner.ID).Info("Runner deleted")
}

// adminInstance loads any instance by id, whoever owns it.
func (s *Service) adminInstance(ctx context.Context, rawID, code string) (*store.Instance, error) {
	id, err := parseID(rawID, code)
	if err != nil {
		return nil, err
	}
	inst, err := s.Store.GetInstance(ctx, id)
	if err != nil {
		return nil, apperrs.Server("failed to load instance", err)
	}
	if inst == nil {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}
	return inst, nil
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrs.BadRequest("invalid_user_id", "Invalid user id")
	}
	return id, nil
}
