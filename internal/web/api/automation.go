package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"smarthome-automations/internal/engine"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/store"
	"smarthome-automations/internal/utils"
	"smarthome-automations/internal/web/middleware"
	webModels "smarthome-automations/internal/web/models"
	"smarthome-automations/internal/web/validation"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AutomationStore is the owner-scoped automation repository
type AutomationStore interface {
	Create(ctx context.Context, a *models.Automation) (*models.Automation, error)
	Update(ctx context.Context, a *models.Automation) (*models.Automation, error)
	Delete(ctx context.Context, ownerID int64, id uint64) error
	FindByID(ctx context.Context, ownerID int64, id uint64) (*models.Automation, error)
	List(ctx context.Context, ownerID int64, f store.AutomationFilter) ([]models.Automation, store.Pagination, error)
	Toggle(ctx context.Context, ownerID int64, id uint64) (bool, error)
	SetEnabled(ctx context.Context, ownerID int64, id uint64, enabled bool) (bool, error)
	Stats(ctx context.Context, ownerID int64) (models.AutomationStats, error)
}

// LogStore is the read side of the execution log
type LogStore interface {
	Query(ctx context.Context, automationID uint64, f store.LogFilter) ([]models.AutomationLog, store.Pagination, error)
	Stats(ctx context.Context, automationID uint64, f store.LogFilter) (models.LogStats, error)
	Latest(ctx context.Context, automationID uint64) (*models.AutomationLog, error)
}

// AutomationValidator turns a request body into an automation
type AutomationValidator interface {
	Automation(ctx context.Context, req *webModels.AutomationRequest) (*models.Automation, error)
}

// EngineInterface defines the methods needed from the engine
type EngineInterface interface {
	RefreshAutomation(ctx context.Context, id uint64) error
	RemoveAutomation(id uint64)
	RunNow(ctx context.Context, a *models.Automation) error
	SubscribeLogs(automationID uint64) (<-chan models.AutomationLog, func())
}

type AutomationDependencies struct {
	Automations AutomationStore
	Logs        LogStore
	Validator   AutomationValidator
	Engine      EngineInterface
}

func RegisterAutomationRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, deps AutomationDependencies) {
	h := &automationHandler{deps: deps, log: utils.Component("api")}

	automations := r.Group("/automations")
	automations.Use(middleware.RequireAuth())
	{
		automations.GET("", h.list)
		automations.GET("/stats", h.stats)
		automations.POST("", h.create)
		automations.GET("/:id", h.get)
		automations.PUT("/:id", h.update)
		automations.DELETE("/:id", h.delete)
		automations.PUT("/:id/toggle", h.toggle)
		automations.POST("/:id/run", h.run)

		automations.GET("/:id/logs", h.logs)
		automations.GET("/:id/logs/stats", h.logStats)
		automations.GET("/:id/logs/latest", h.latestLog)
		automations.GET("/:id/logs/stream", h.streamLogs)
	}
}

type automationHandler struct {
	deps AutomationDependencies
	log  zerolog.Logger
}

func automationID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Automation not found"})
		return 0, false
	}
	return id, true
}

func userID(c *gin.Context) int64 {
	return middleware.UserID(c)
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

func unprocessable(c *gin.Context, field, message string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"message": message,
		"errors":  map[string][]string{field: {message}},
	})
}

// fail writes the response for err. Validation and not-found errors are the caller's fault;
// everything else is logged and reported as msg.
func (h *automationHandler) fail(c *gin.Context, err error, msg string) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": verr.Message(), "errors": verr.Errors})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Automation not found"})
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// refresh reschedules an automation after a write. The write already succeeded, so a
// failure here is logged instead of failing the request.
func (h *automationHandler) refresh(c *gin.Context, id uint64) {
	if err := h.deps.Engine.RefreshAutomation(c, id); err != nil {
		h.log.Error().Err(err).Uint64("automation_id", id).Msg("Failed to refresh automation schedule")
	}
}

// owned loads an automation of the caller, writing the error response when it cannot
func (h *automationHandler) owned(c *gin.Context) (*models.Automation, bool) {
	id, ok := automationID(c)
	if !ok {
		return nil, false
	}
	a, err := h.deps.Automations.FindByID(c, userID(c), id)
	if err != nil {
		h.fail(c, err, "Failed to fetch automation")
		return nil, false
	}
	return a, true
}

func (h *automationHandler) list(c *gin.Context) {
	filter := store.AutomationFilter{
		Search:  c.Query("search"),
		Page:    queryInt(c, "page"),
		PerPage: queryInt(c, "per_page"),
	}
	if raw, ok := c.GetQuery("enabled"); ok && raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			unprocessable(c, "enabled", "The enabled field must be true or false.")
			return
		}
		filter.Enabled = &enabled
	}

	automations, meta, err := h.deps.Automations.List(c, userID(c), filter)
	if err != nil {
		h.fail(c, err, "Failed to fetch automations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": automations, "meta": meta})
}

func (h *automationHandler) stats(c *gin.Context) {
	stats, err := h.deps.Automations.Stats(c, userID(c))
	if err != nil {
		h.fail(c, err, "Failed to fetch automation stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *automationHandler) get(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *automationHandler) create(c *gin.Context) {
	var req webModels.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	a, err := h.deps.Validator.Automation(c, &req)
	if err != nil {
		h.fail(c, err, "Failed to validate automation")
		return
	}
	a.OwnerID = userID(c)

	created, err := h.deps.Automations.Create(c, a)
	if err != nil {
		h.fail(c, err, "Failed to create automation")
		return
	}
	h.refresh(c, created.ID)
	h.log.Info().Uint64("automation_id", created.ID).Int64("owner_id", created.OwnerID).Msg("Automation created")
	c.JSON(http.StatusCreated, created)
}

// update applies the fields present in the body over the stored definition, then
// validates the result as a whole
func (h *automationHandler) update(c *gin.Context) {
	existing, ok := h.owned(c)
	if !ok {
		return
	}
	req, err := validation.RequestFromAutomation(existing)
	if err != nil {
		h.fail(c, err, "Failed to update automation")
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := req.ApplyPatch(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	a, err := h.deps.Validator.Automation(c, &req)
	if err != nil {
		h.fail(c, err, "Failed to validate automation")
		return
	}
	a.ID = existing.ID
	a.OwnerID = existing.OwnerID

	updated, err := h.deps.Automations.Update(c, a)
	if err != nil {
		h.fail(c, err, "Failed to update automation")
		return
	}
	h.refresh(c, updated.ID)
	c.JSON(http.StatusOK, updated)
}

func (h *automationHandler) delete(c *gin.Context) {
	id, ok := automationID(c)
	if !ok {
		return
	}
	if err := h.deps.Automations.Delete(c, userID(c), id); err != nil {
		h.fail(c, err, "Failed to delete automation")
		return
	}
	h.deps.Engine.RemoveAutomation(id)
	h.log.Info().Uint64("automation_id", id).Msg("Automation deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Automation deleted successfully"})
}

// toggle flips enabled, or sets it when the body names a value
func (h *automationHandler) toggle(c *gin.Context) {
	id, ok := automationID(c)
	if !ok {
		return
	}
	var req webModels.ToggleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	var enabled bool
	var err error
	if req.Enabled != nil {
		enabled, err = h.deps.Automations.SetEnabled(c, userID(c), id, *req.Enabled)
	} else {
		enabled, err = h.deps.Automations.Toggle(c, userID(c), id)
	}
	if err != nil {
		h.fail(c, err, "Failed to toggle automation")
		return
	}
	h.refresh(c, id)

	message := "Automation disabled successfully"
	if enabled {
		message = "Automation enabled successfully"
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "enabled": enabled})
}

func (h *automationHandler) run(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	err := h.deps.Engine.RunNow(c, a)
	switch {
	case errors.Is(err, engine.ErrInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Automation is disabled or a draft"})
	case errors.Is(err, engine.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Engine is busy, try again later"})
	case err != nil:
		h.fail(c, err, "Failed to queue automation run")
	default:
		c.JSON(http.StatusAccepted, gin.H{"message": "Automation run queued"})
	}
}
