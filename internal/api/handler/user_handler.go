package handler

import (
	"net/http"

	"github.com/evetabi/gridstrike/internal/api/middleware"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
)

// UserHandler serves identity and profile endpoints.
type UserHandler struct {
	authSvc  *service.AuthService
	userRepo *repository.UserRepository
	betRepo  *repository.BetRepository
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(authSvc *service.AuthService, userRepo *repository.UserRepository, betRepo *repository.BetRepository) *UserHandler {
	return &UserHandler{authSvc: authSvc, userRepo: userRepo, betRepo: betRepo}
}

// Guest godoc
// POST /api/v1/auth/guest
//
// Mints an anonymous play-mode identity. No body, no account row.
func (h *UserHandler) Guest(c *gin.Context) {
	session, err := h.authSvc.IssueGuestToken()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not mint guest token")
		return
	}
	respondSuccess(c, http.StatusCreated, session)
}

// Me godoc
// GET /api/v1/users/me [JWT]
func (h *UserHandler) Me(c *gin.Context) {
	userID := middleware.GetUserID(c)

	if domain.IsAnonymousUser(userID) {
		// Guests have no row; answer with the identity itself.
		respondSuccess(c, http.StatusOK, gin.H{
			"id":   userID,
			"role": domain.RoleGuest,
		})
		return
	}

	user, err := h.userRepo.GetByID(c.Request.Context(), userID)
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch profile")
		return
	}
	respondSuccess(c, http.StatusOK, user.ToPublicProfile())
}

// MyBets godoc
// GET /api/v1/users/me/bets?page=1&limit=20 [JWT]
func (h *UserHandler) MyBets(c *gin.Context) {
	userID := middleware.GetUserID(c)
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	bets, err := h.betRepo.GetByUserID(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch bets")
		return
	}
	views := make([]domain.BetResponse, 0, len(bets))
	for _, b := range bets {
		views = append(views, b.ToResponse())
	}
	respondList(c, views, len(views), page, limit)
}
