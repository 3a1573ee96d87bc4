package api

import (
	"context"
	"net/http"

	"smarthome-automations/internal/models"
	"smarthome-automations/internal/utils"
	"smarthome-automations/internal/web/middleware"

	"github.com/gin-gonic/gin"
)

// NotificationLister reads the notifications created by notify actions
type NotificationLister interface {
	ListForUser(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
}

func RegisterNotificationRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, notifications NotificationLister) {
	log := utils.Component("api")

	group := r.Group("/notifications")
	group.Use(middleware.RequireAuth())
	{
		group.GET("", func(c *gin.Context) {
			list, err := notifications.ListForUser(c, userID(c), queryInt(c, "limit"))
			if err != nil {
				log.Error().Err(err).Msg("Failed to fetch notifications")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch notifications"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"data": list})
		})
	}
}
