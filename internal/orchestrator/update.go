package orchestrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/apperrs"
	"github.com/fleetforge/backend/internal/naming"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/store"
)

// UpdateRequest changes the power state, the protection flag, or both.
type UpdateRequest struct {
	Status      *string `json:"status"`
	IsProtected *bool   `json:"is_protected"`
}

// Update applies req to one of the caller's instances.
func (s *Service) Update(ctx context.Context, caller *store.User, provider, region, rawID string, req UpdateRequest) (*Result, error) {
	if _, err := s.driver(provider); err != nil {
		return nil, err
	}
	id, err := parseID(rawID, "invalid_instance_id")
	if err != nil {
		return nil, err
	}
	inst, err := s.Store.FindUserInstance(ctx, caller.ID, provider, region, id)
	if err != nil {
		return nil, apperrs.Server("failed to load instance", err)
	}
	if inst == nil {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}
	return s.update(ctx, inst, req)
}

// AdminUpdate applies req to any instance.
func (s *Service) AdminUpdate(ctx context.Context, rawID string, req UpdateRequest) (*Result, error) {
	inst, err := s.adminInstance(ctx, rawID, "invalid_instance_id")
	if err != nil {
		return nil, err
	}
	return s.update(ctx, inst, req)
}

func (s *Service) update(ctx context.Context, inst *store.Instance, req UpdateRequest) (*Result, error) {
	// Deleted rows only come back through attach
	if inst.Status == store.StatusDeleted {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}
	if req.Status != nil && *req.Status == "" {
		req.Status = nil
	}
	d, err := s.driver(inst.Provider)
	if err != nil {
		return nil, err
	}
	hashed := naming.RehashDynamicName(inst.Name, inst.Hash)

	// 1. The remote machine must exist
	vm, err := d.GetVirtualMachine(ctx, inst.Region, inst.Zone, hashed)
	if err != nil {
		return nil, apperrs.Server("failed to look up virtual machine", err)
	}
	if vm == nil {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}

	// 2. Validate everything before touching anything
	var action provisioner.Action
	if req.Status != nil {
		action = provisioner.Action(*req.Status)
		if err := ValidateAction(action, d.GetServerState(vm), inst); err != nil {
			return nil, err
		}
	}
	if req.IsProtected != nil {
		switch {
		case *req.IsProtected && inst.IsProtected:
			return nil, apperrs.Conflict("instance_already_protected", "Instance already protected")
		case !*req.IsProtected && !inst.IsProtected:
			return nil, apperrs.Conflict("instance_already_unprotected", "Instance already unprotected")
		}
	}

	// 3. Apply
	if req.Status != nil {
		if err := s.UpdateInstanceStatus(ctx, inst, vm.ID, action); err != nil {
			return nil, err
		}
	}
	if req.IsProtected != nil {
		if err := s.Store.UpdateProtection(ctx, inst.ID, *req.IsProtected); err != nil {
			return nil, apperrs.Server("failed to persist protection", err)
		}
		inst.IsProtected = *req.IsProtected
	}

	s.log.WithFields(logrus.Fields{
		"instance_id":  inst.ID,
		"action":       action,
		"is_protected": inst.IsProtected,
	}).Info("Instance updated")
	return &Result{Status: "ok", Message: "instance successfully updated", Code: "instance_updated"}, nil
}

// Get returns one of the caller's instances with its environment and project.
func (s *Service) Get(ctx context.Context, caller *store.User, provider, region, rawID string) (*InstanceView, error) {
	if _, err := s.driver(provider); err != nil {
		return nil, err
	}
	id, err := parseID(rawID, "invalid_instance_id")
	if err != nil {
		return nil, err
	}
	inst, err := s.Store.FindUserInstance(ctx, caller.ID, provider, region, id)
	if err != nil {
		return nil, apperrs.Server("failed to load instance", err)
	}
	if inst == nil {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}
	return s.view(ctx, inst)
}

// List returns the caller's instances that are not deleted.
func (s *Service) List(ctx context.Context, caller *store.User, provider, region string) ([]*InstanceView, error) {
	if _, err := s.driver(provider); err != nil {
		return nil, err
	}
	instances, err := s.Store.ListUserInstances(ctx, caller.ID, provider, region)
	if err != nil {
		return nil, apperrs.Server("failed to list instances", err)
	}
	return s.views(ctx, instances)
}

func (s *Service) AdminGet(ctx context.Context, rawID string) (*InstanceView, error) {
	inst, err := s.adminInstance(ctx, rawID, "invalid_instance_id")
	if err != nil {
		return nil, err
	}
	return s.view(ctx, inst)
}

// AdminList returns the non-deleted instances of every user.
func (s *Service) AdminList(ctx context.Context, provider, region string) ([]*InstanceView, error) {
	if _, err := s.driver(provider); err != nil {
		return nil, err
	}
	instances, err := s.Store.ListInstances(ctx, provider, region)
	if err != nil {
		return nil, apperrs.Server("failed to list instances", err)
	}
	return s.views(ctx, instances)
}

func (s *Service) AdminListByUser(ctx context.Context, provider, region, rawUserID string) ([]*InstanceView, error) {
	if _, err := s.driver(provider); err != nil {
		return nil, err
	}
	userID, err := parseUserID(rawUserID)
	if err != nil {
		return nil, err
	}
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, apperrs.Server("failed to load user", err)
	}
	if u == nil {
		return nil, apperrs.NotFound("user_not_found", "user not found")
	}
	instances, err := s.Store.ListUserInstances(ctx, u.ID, provider, region)
	if err != nil {
		return nil, apperrs.Server("failed to list instances", err)
	}
	return s.views(ctx, instances)
}

// AdminRefresh reads the instance type and IP back from the provider.
func (s *Service) AdminRefresh(ctx context.Context, rawID string) (*InstanceView, error) {
	inst, err := s.adminInstance(ctx, rawID, "invalid_instance_id")
	if err != nil {
		return nil, err
	}
	d, err := s.driver(inst.Provider)
	if err != nil {
		return nil, err
	}
	hashed := naming.RehashDynamicName(inst.Name, inst.Hash)

	vm, err := d.GetVirtualMachine(ctx, inst.Region, inst.Zone, hashed)
	if err != nil {
		return nil, apperrs.Server("failed to look up virtual machine", err)
	}
	if vm == nil {
		return nil, apperrs.NotFound(apperrs.CodeNotFound, "Instance not found")
	}

	res, err := d.RefreshInstance(ctx, provisioner.RefreshRequest{
		Region:     inst.Region,
		Zone:       inst.Zone,
		HashedName: hashed,
	})
	if err != nil {
		return nil, apperrs.Server("failed to refresh instance", err)
	}
	if res.IP != "" && res.Type != "" {
		if err := s.Store.UpdateTypeAndIP(ctx, inst.ID, res.Type, res.IP); err != nil {
			return nil, apperrs.Server("failed to persist refreshed instance", err)
		}
		inst.Type, inst.IPAddress = res.Type, res.IP
	}
	return s.view(ctx, inst)
}

func (s *Service) views(ctx context.Context, instances []*store.Instance) ([]*InstanceView, error) {
	out := make([]*InstanceView, 0, len(instances))
	for _, inst := range instances {
		v, err := s.view(ctx, inst)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
