package api

import (
	"context"
	"errors"
	"net/http"

	"smarthome-automations/auth"
	"smarthome-automations/internal/utils"
	"smarthome-automations/internal/web/models"

	"github.com/gin-gonic/gin"
)

// Authenticator issues tokens
type Authenticator interface {
	LoginWithJWT(ctx context.Context, username, password string) (string, error)
	RegisterWithJWT(ctx context.Context, username, password, email string) (string, error)
}

func RegisterAuthRoutes(router *gin.Engine, authModule Authenticator) {
	log := utils.Component("api")

	r := router.Group("/auth")
	{
		r.POST("/login", func(c *gin.Context) {
			var loginRequest models.LoginRequest
			if err := c.ShouldBindJSON(&loginRequest); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			token, err := authModule.LoginWithJWT(c, loginRequest.Username, loginRequest.Password)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"token": token})
		})
		r.POST("/register", func(c *gin.Context) {
			var registerRequest models.RegisterRequest
			if err := c.ShouldBindJSON(&registerRequest); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			token, err := authModule.RegisterWithJWT(c, registerRequest.Username, registerRequest.Password, registerRequest.Email)
			if errors.Is(err, auth.ErrUserExists) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("Failed to register user")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register user"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"token": token})
		})
	}
}
