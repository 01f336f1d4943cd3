package orchestrator

import (
	"context"
	"time"

	"github.com/fleetforge/backend/internal/apperrs"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/store"
)

// statusFor is the local status persisted after each action.
var statusFor = map[provisioner.Action]string{
	provisioner.ActionPowerOff: store.StatusPoweredOff,
	provisioner.ActionPowerOn:  store.StatusActive,
	provisioner.ActionReboot:   store.StatusActive,
	provisioner.ActionActivate: store.StatusActive,
	provisioner.ActionDelete:   store.StatusDeleted,
}

type rejection struct {
	code string
	msg  string
}

// forbidden lists the provider states each power action may not start from.
var forbidden = map[provisioner.Action]map[provisioner.ServerState]rejection{
	provisioner.ActionPowerOff: {
		provisioner.StateStopped:   {"instance_stopped", "Instance already stopped"},
		provisioner.StateRebooting: {"can_not_stop_instance_while_reboot", "You can't stop the Instance while rebooting"},
		provisioner.StateStarting:  {"can_not_stop_instance_while_start", "You can't stop the Instance while starting"},
		provisioner.StateStopping:  {"instance_stopping", "Instance already stopping"},
	},
	provisioner.ActionPowerOn: {
		provisioner.StateRunning:   {"instance_running", "Instance already running"},
		provisioner.StateRebooting: {"can_not_start_instance_while_reboot", "You can't start the Instance while rebooting"},
		provisioner.StateStarting:  {"instance_starting", "Instance already starting"},
		provisioner.StateStopping:  {"can_not_start_instance_while_stop", "You can't start the Instance while stopping"},
	},
	provisioner.ActionReboot: {
		provisioner.StateStopped:   {"can_not_reboot_instance_while_stop", "You can't reboot the Instance when it is stopped"},
		provisioner.StateRebooting: {"instance_rebooting", "Instance already rebooting"},
		provisioner.StateStarting:  {"can_not_reboot_instance_while_start", "You can't reboot the Instance while starting"},
		provisioner.StateStopping:  {"can_not_reboot_instance_while_stop", "You can't reboot the Instance while stopping"},
	},
}

// ValidateAction checks that action may be requested through an update while the
// machine is in state. Deletion has its own checks and is rejected here.
func ValidateAction(action provisioner.Action, state provisioner.ServerState, inst *store.Instance) error {
	switch action {
	case provisioner.ActionPowerOff, provisioner.ActionPowerOn, provisioner.ActionReboot:
		if r, ok := forbidden[action][state]; ok {
			return apperrs.BadRequest(r.code, r.msg)
		}
		if action == provisioner.ActionReboot && inst.IsProtected {
			return apperrs.BadRequest("can_not_reboot_protected_instance", "You can't reboot a protected instance")
		}
		return nil
	case provisioner.ActionActivate:
		if inst.Status == store.StatusActive {
			return apperrs.BadRequest("instance_active", "instance already active")
		}
		return nil
	default:
		return apperrs.BadRequest("action_not_exist", "action doesnt exist")
	}
}

// UpdateInstanceStatus applies action on the provider side when it is a power action,
// then persists the resulting status and modification date.
func (s *Service) UpdateInstanceStatus(ctx context.Context, inst *store.Instance, serverID string, action provisioner.Action) error {
	status, ok := statusFor[action]
	if !ok {
		return apperrs.BadRequest("action_not_exist", "action doesnt exist")
	}

	if action != provisioner.ActionActivate && action != provisioner.ActionDelete {
		d, err := s.driver(inst.Provider)
		if err != nil {
			return err
		}
		if err := d.UpdateVirtualMachineStatus(ctx, inst.Region, inst.Zone, serverID, action); err != nil {
			return apperrs.Server("failed to update virtual machine status", err)
		}
	}

	if err := s.Store.UpdateStatus(ctx, inst.ID, status); err != nil {
		return apperrs.Server("failed to persist status", err)
	}
	if err := s.Store.UpdateModificationDate(ctx, inst.ID, time.Now().UTC()); err != nil {
		return apperrs.Server("failed to persist modification date", err)
	}
	inst.Status = status
	return nil
}
