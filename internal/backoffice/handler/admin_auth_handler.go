package handler

import (
	"errors"
	"net/http"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
)

// AdminAuthHandler serves the staff login endpoint.
type AdminAuthHandler struct {
	authSvc *service.AuthService
}

// NewAdminAuthHandler creates an AdminAuthHandler.
func NewAdminAuthHandler(authSvc *service.AuthService) *AdminAuthHandler {
	return &AdminAuthHandler{authSvc: authSvc}
}

type adminLoginRequest struct {
	Email    string `json:"email"    binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login godoc
// POST /admin/login
func (h *AdminAuthHandler) Login(c *gin.Context) {
	var req adminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	session, err := h.authSvc.AdminLogin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCredentials):
			respondError(c, http.StatusUnauthorized, "ERR_BAD_CREDENTIALS", err.Error())
		case errors.Is(err, domain.ErrForbidden):
			respondError(c, http.StatusForbidden, "ERR_FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrUserBanned):
			respondError(c, http.StatusForbidden, "ERR_SUSPENDED", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "login failed")
		}
		return
	}
	respondSuccess(c, http.StatusOK, session)
}
