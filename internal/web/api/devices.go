package api

import (
	"context"
	"errors"
	"net/http"

	"smarthome-automations/internal/db"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/utils"
	"smarthome-automations/internal/web/middleware"

	"github.com/gin-gonic/gin"
)

// DeviceReader reads the device registry for the automation builder
type DeviceReader interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Device, error)
}

func RegisterDeviceRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, devices DeviceReader) {
	log := utils.Component("api")

	group := r.Group("/devices")
	group.Use(middleware.RequireAuth())
	{
		group.GET("", func(c *gin.Context) {
			list, err := devices.ListByOwner(c, userID(c))
			if err != nil {
				log.Error().Err(err).Msg("Failed to fetch devices")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch devices"})
				return
			}
			c.JSON(http.StatusOK, list)
		})
		group.GET("/:id", func(c *gin.Context) {
			device, err := devices.Get(c, c.Param("id"))
			if errors.Is(err, db.ErrNotFound) || (err == nil && (device.OwnerID == nil || *device.OwnerID != userID(c))) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
				return
			}
			if err != nil {
				log.Error().Err(err).Str("device_id", c.Param("id")).Msg("Failed to fetch device")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch device"})
				return
			}
			c.JSON(http.StatusOK, device)
		})
	}
}
