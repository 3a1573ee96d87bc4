package api

import (
	"context"
	"errors"
	"net/http"

	"smarthome-automations/internal/db"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/utils"
	"smarthome-automations/internal/web/middleware"
	webModels "smarthome-automations/internal/web/models"

	"github.com/gin-gonic/gin"
)

// UserStore reads accounts
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// PasswordChanger changes account passwords
type PasswordChanger interface {
	ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error
}

func RegisterUserRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, users UserStore, passwords PasswordChanger) {
	log := utils.Component("api")

	group := r.Group("/users")
	group.Use(middleware.RequireAuth())
	{
		group.GET("/me", func(c *gin.Context) {
			user, err := users.GetUserByID(c, userID(c))
			if errors.Is(err, db.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("Failed to fetch user data")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch user data"})
				return
			}
			c.JSON(http.StatusOK, user)
		})
		group.PUT("/me/password", func(c *gin.Context) {
			var req webModels.ChangePasswordRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if err := passwords.ChangePassword(c, userID(c), req.OldPassword, req.NewPassword); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully"})
		})
	}
}
