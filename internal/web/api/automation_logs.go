package api

import (
	"errors"
	"net/http"
	"time"

	"smarthome-automations/internal/models"
	"smarthome-automations/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the CORS middleware and the token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logFilter reads the log query parameters, writing a 422 for an unknown status
func logFilter(c *gin.Context) (store.LogFilter, bool) {
	status := c.DefaultQuery("status", store.StatusAll)
	if status != store.StatusAll && !models.RunStatus(status).Valid() {
		unprocessable(c, "status", "The selected status is invalid.")
		return store.LogFilter{}, false
	}
	return store.LogFilter{
		Status:  status,
		Search:  c.Query("search"),
		Page:    queryInt(c, "page"),
		PerPage: queryInt(c, "per_page"),
	}, true
}

func (h *automationHandler) logs(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	filter, ok := logFilter(c)
	if !ok {
		return
	}

	rows, meta, err := h.deps.Logs.Query(c, a.ID, filter)
	if err != nil {
		h.fail(c, err, "Failed to fetch automation logs")
		return
	}
	stats, err := h.deps.Logs.Stats(c, a.ID, filter)
	if err != nil {
		h.fail(c, err, "Failed to fetch automation logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":           rows,
		"meta":           meta,
		"total_stats":    stats.TotalStats,
		"filtered_stats": stats.FilteredStats,
	})
}

func (h *automationHandler) logStats(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	filter, ok := logFilter(c)
	if !ok {
		return
	}
	stats, err := h.deps.Logs.Stats(c, a.ID, filter)
	if err != nil {
		h.fail(c, err, "Failed to fetch automation log stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *automationHandler) latestLog(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	row, err := h.deps.Logs.Latest(c, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Automation has not run yet"})
		return
	}
	if err != nil {
		h.fail(c, err, "Failed to fetch automation logs")
		return
	}
	c.JSON(http.StatusOK, row)
}

// streamLogs pushes every new log row of the automation over a websocket until the client
// goes away
func (h *automationHandler) streamLogs(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Uint64("automation_id", a.ID).Msg("Websocket upgrade failed")
		return
	}
	defer ws.Close()

	rows, unsubscribe := h.deps.Engine.SubscribeLogs(a.ID)
	defer unsubscribe()

	// the read loop only handles control frames and notices the client leaving
	closed := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(streamPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.Debug().Uint64("automation_id", a.ID).Msg("Log stream opened")
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case row, ok := <-rows:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(row); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			h.log.Debug().Uint64("automation_id", a.ID).Msg("Log stream closed")
			return
		}
	}
}
