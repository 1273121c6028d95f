// Package http serves the scheduler's state, notch filters and capture
// history to observers.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/dsp"
	"github.com/chzchzchz/skyrx/skyrx"
	"github.com/chzchzchz/skyrx/store"
)

const defaultHistory = 20

type History interface {
	Recent(ctx context.Context, n int) ([]store.Record, error)
}

// Observed is what the handlers read. Any field may be nil.
type Observed struct {
	Scheduler *skyrx.Scheduler
	Provider  skyrx.Provider
	Notches   *dsp.NotchSet
	History   History
}

type handler struct {
	Observed
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(o Observed) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	h := &handler{o}
	r := gin.New()
	r.Use(gin.Recovery(), logRequests)
	api := r.Group("/api")
	api.GET("/state", h.state)
	api.GET("/passes", h.passes)
	api.GET("/status", h.status)
	api.GET("/notches", h.listNotches)
	api.POST("/notches", h.addNotch)
	api.DELETE("/notches", h.removeNotch)
	api.GET("/history", h.history)
	return r
}

func ServeHttp(o Observed, serv string) error {
	return http.ListenAndServe(serv, NewHandler(o))
}

func logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	glog.V(1).Infof("[%s] %s %s %d (%v)", c.Request.RemoteAddr, c.Request.Method,
		c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, errorResponse{Error: msg})
}

func (h *handler) state(c *gin.Context) {
	if h.Scheduler == nil {
		c.JSON(http.StatusOK, skyrx.SystemState{Status: skyrx.StateIdle})
		return
	}
	c.JSON(http.StatusOK, h.Scheduler.State().Get())
}

func (h *handler) passes(c *gin.Context) {
	ret := []skyrx.PassWindow{}
	if h.Scheduler != nil {
		ret = append(ret, h.Scheduler.Queue().Passes()...)
	}
	c.JSON(http.StatusOK, ret)
}

func (h *handler) status(c *gin.Context) {
	if h.Provider == nil {
		abort(c, http.StatusNotFound, "no receiver")
		return
	}
	st, err := h.Provider.Status(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) notches(c *gin.Context) bool {
	if h.Notches == nil {
		abort(c, http.StatusNotFound, "notch filters unavailable")
		return false
	}
	return true
}

func (h *handler) listNotches(c *gin.Context) {
	if !h.notches(c) {
		return
	}
	ret := h.Notches.List()
	if ret == nil {
		ret = []dsp.Notch{}
	}
	c.JSON(http.StatusOK, ret)
}

type notchRequest struct {
	Center    float64 `json:"center"`
	HalfWidth float64 `json:"halfWidth"`
	Enabled   *bool   `json:"enabled"`
}

// addNotch adds or updates the notch nearest center.
func (h *handler) addNotch(c *gin.Context) {
	if !h.notches(c) {
		return
	}
	var req notchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Center <= 0 || req.HalfWidth <= 0 {
		abort(c, http.StatusBadRequest, "center and halfWidth must be positive")
		return
	}
	n := h.Notches.Add(req.Center, req.HalfWidth)
	if req.Enabled != nil && !*req.Enabled {
		h.Notches.SetEnabled(n.Center, false)
		n.Enabled = false
	}
	glog.Infof("[%s] notch %.0f Hz +/- %.0f Hz (enabled=%v)", c.Request.RemoteAddr, n.Center, n.HalfWidth, n.Enabled)
	c.JSON(http.StatusOK, n)
}

// removeNotch deletes the notch near ?center=, or every notch without it.
func (h *handler) removeNotch(c *gin.Context) {
	if !h.notches(c) {
		return
	}
	s := c.Query("center")
	if s == "" {
		h.Notches.Clear()
		c.Status(http.StatusNoContent)
		return
	}
	center, err := strconv.ParseFloat(s, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if !h.Notches.Remove(center) {
		abort(c, http.StatusNotFound, "no notch near "+s)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) history(c *gin.Context) {
	if h.History == nil {
		abort(c, http.StatusNotFound, "no capture history")
		return
	}
	n := defaultHistory
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			abort(c, http.StatusBadRequest, "bad n")
			return
		}
		n = v
	}
	recs, err := h.History.Recent(c.Request.Context(), n)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	c.JSON(http.StatusOK, recs)
}
