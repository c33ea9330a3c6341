package auth

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	userentity "github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

// Resetter runs the forgot/reset password flow.
type Resetter interface {
	RequestReset(ctx context.Context, email string) error
	ConsumeReset(ctx context.Context, signed, newPassword string) error
}

// Handler exposes the /auth endpoints.
type Handler struct {
	svc    *Service
	reset  Resetter
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, reset Resetter, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, reset: reset, logger: logger}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	RoleID   *int64 `json:"roleId"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type tokenResponse struct {
	Success      bool            `json:"success"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	User         userentity.View `json:"user"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type userResponse struct {
	Success bool            `json:"success"`
	User    userentity.View `json:"user"`
}

func tokens(res *Result) tokenResponse {
	return tokenResponse{
		Success:      true,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    res.ExpiresAt,
		User:         res.User,
	}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, "login failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, tokens(res))
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		utilities.WriteError(w, ErrNotAuthorized)
		return
	}
	var req RegisterRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	res, err := h.svc.Register(r.Context(), c.Subject, RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		RoleID:   req.RoleID,
	})
	if err != nil {
		h.fail(w, "register failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, tokens(res))
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	res, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, "refresh failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, tokens(res))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		utilities.WriteError(w, ErrNotAuthorized)
		return
	}
	if err := h.svc.Logout(r.Context(), c.Subject.ID); err != nil {
		h.fail(w, "logout failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "logged out"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	if err := h.reset.RequestReset(r.Context(), req.Email); err != nil {
		h.fail(w, "forgot password failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: "if the email exists, a password reset link has been sent",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	if err := h.reset.ConsumeReset(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, "reset password failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "password has been reset"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		utilities.WriteError(w, ErrNotAuthorized)
		return
	}
	var req ChangePasswordRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		utilities.WriteError(w, err)
		return
	}
	if err := h.svc.ChangePassword(r.Context(), c.Subject.ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, "change password failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "password changed"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		utilities.WriteError(w, ErrNotAuthorized)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, userResponse{Success: true, User: c.Principal.View()})
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		utilities.WriteError(w, ErrBadPathID)
		return
	}
	c, ok := CallerFrom(r.Context())
	if !ok {
		utilities.WriteError(w, ErrNotAuthorized)
		return
	}
	if c.Subject.ID == id && !active {
		utilities.WriteError(w, apperr.Validation("cannot deactivate yourself"))
		return
	}
	if err := h.svc.SetActive(r.Context(), c.Subject, id, active); err != nil {
		h.fail(w, "set active failed", err)
		return
	}
	msg := "user reactivated"
	if !active {
		msg = "user deactivated"
	}
	utilities.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: msg})
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if apperr.Status(err) >= http.StatusInternalServerError {
		h.logger.Errorw(msg, "err", err)
	} else {
		h.logger.Debugw(msg, "err", err)
	}
	utilities.WriteError(w, err)
}
