package user

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

// Handler exposes read endpoints for identities. Access checks run in
// middleware before these handlers.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type userResponse struct {
	Success bool `json:"success"`
	User    any  `json:"user"`
}

// Get serves GET /users/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		utilities.WriteError(w, apperr.Validation("invalid id"))
		return
	}
	p, err := h.svc.Principal(r.Context(), id)
	if err != nil {
		if apperr.Status(err) == http.StatusInternalServerError {
			h.logger.Errorw("get user failed", "user_id", id, "err", err)
		}
		utilities.WriteError(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, userResponse{Success: true, User: p.View()})
}
