package role

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

// Handler exposes HTTP endpoints for role administration.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// ReplacePermissionsRequest is the body of PUT /roles/{id}/permissions.
type ReplacePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type roleResponse struct {
	Success bool `json:"success"`
	Role    any  `json:"role"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utilities.WriteError(w, err)
		return
	}
	rg, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get role failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, roleResponse{Success: true, Role: rg})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateInput
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	rg, err := h.svc.Create(r.Context(), req)
	if err != nil {
		h.fail(w, "create role failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, roleResponse{Success: true, Role: rg})
}

func (h *Handler) ReplacePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utilities.WriteError(w, err)
		return
	}
	var req ReplacePermissionsRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	if req.Permissions == nil {
		utilities.WriteError(w, apperr.Validation("permissions is required"))
		return
	}
	rg, err := h.svc.ReplacePermissions(r.Context(), id, req.Permissions)
	if err != nil {
		h.fail(w, "replace role permissions failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, roleResponse{Success: true, Role: rg})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utilities.WriteError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete role failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if apperr.Status(err) == http.StatusInternalServerError {
		h.logger.Errorw(msg, "err", err)
	} else {
		h.logger.Debugw(msg, "err", err)
	}
	utilities.WriteError(w, err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid id")
	}
	return id, nil
}
