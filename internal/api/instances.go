package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetforge/backend/internal/apperrs"
	"github.com/fleetforge/backend/internal/orchestrator"
)

// Handlers

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.svc.List(r.Context(), caller(r), chi.URLParam(r, "provider"), chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Get(r.Context(), caller(r), chi.URLParam(r, "provider"), chi.URLParam(r, "region"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func provisionRequest(r *http.Request) (orchestrator.ProvisionRequest, error) {
	var req orchestrator.ProvisionRequest
	if err := decode(r, &req); err != nil {
		return req, err
	}
	req.Provider = chi.URLParam(r, "provider")
	req.Region = chi.URLParam(r, "region")
	req.Zone = chi.URLParam(r, "zone")
	req.Environment = chi.URLParam(r, "environment")
	return req, nil
}

func (s *Server) provisionInstance(w http.ResponseWriter, r *http.Request) {
	req, err := provisionRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inst, err := s.svc.Provision(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func attachRequest(r *http.Request) (orchestrator.AttachRequest, error) {
	var req orchestrator.AttachRequest
	if err := decode(r, &req); err != nil {
		return req, err
	}
	projectID, err := strconv.ParseInt(chi.URLParam(r, "project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		return req, apperrs.BadRequest("invalid_project_id", "Invalid project id")
	}
	req.Provider = chi.URLParam(r, "provider")
	req.Region = chi.URLParam(r, "region")
	req.Zone = chi.URLParam(r, "zone")
	req.ProjectID = projectID
	return req, nil
}

func (s *Server) attachInstance(w http.ResponseWriter, r *http.Request) {
	req, err := attachRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inst, err := s.svc.Attach(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) updateInstance(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.UpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.svc.Update(r.Context(), caller(r), chi.URLParam(r, "provider"), chi.URLParam(r, "region"), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) removeInstance(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Remove(r.Context(), caller(r), chi.URLParam(r, "provider"), chi.URLParam(r, "region"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Admin API

func (s *Server) adminListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.svc.AdminList(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) adminListUserInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.svc.AdminListByUser(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "region"), chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) adminProvisionInstance(w http.ResponseWriter, r *http.Request) {
	req, err := provisionRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inst, err := s.svc.AdminProvision(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) adminAttachInstance(w http.ResponseWriter, r *http.Request) {
	req, err := attachRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inst, err := s.svc.AdminAttach(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) adminGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.AdminGet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) adminUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.UpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.svc.AdminUpdate(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) adminRemoveInstance(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.AdminRemove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) adminRefreshInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.AdminRefresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
