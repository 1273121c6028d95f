// Package http serves the relay protocol.
package http

import (
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio"
	"github.com/chzchzchz/skyrx/relay"
	"github.com/chzchzchz/skyrx/relay/server"
)

type handler struct {
	serv *server.Server
}

func NewHandler(s *server.Server) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	h := &handler{s}
	r := gin.New()
	r.Use(gin.Recovery(), logRequests)
	r.POST("/capture/start", h.startCapture)
	r.GET("/capture", h.listCaptures)
	r.GET("/capture/:id", h.getCapture)
	r.GET("/capture/:id/audio", h.getAudio)
	r.POST("/capture/:id/stop", h.stopCapture)
	r.DELETE("/capture/:id", h.reapCapture)
	r.POST("/signal/check", h.checkSignal)
	r.GET("/status", h.status)
	r.GET("/stream", h.stream)
	return r
}

func ServeHttp(s *server.Server, serv string) error {
	return http.ListenAndServe(serv, NewHandler(s))
}

func logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	glog.V(1).Infof("[%s] %s %s %d (%v)", c.Request.RemoteAddr, c.Request.Method,
		c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, device.ErrConflict):
		return http.StatusConflict, relay.CodeConflict
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, relay.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, radio.ErrFrequencyOutOfRange), errors.Is(err, radio.ErrRateOutOfRange):
		return http.StatusBadRequest, ""
	case errors.Is(err, radio.ErrHardwareUnavailable):
		return http.StatusServiceUnavailable, ""
	}
	return http.StatusInternalServerError, ""
}

func (h *handler) fail(c *gin.Context, err error) {
	code, tag := statusOf(err)
	glog.Warningf("[%s] %s %s failed: %v", c.Request.RemoteAddr, c.Request.Method, c.Request.URL.Path, err)
	c.AbortWithStatusJSON(code, relay.ErrorResponse{Error: err.Error(), Code: tag})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, relay.ErrorResponse{Error: msg})
}

func (h *handler) startCapture(c *gin.Context) {
	var req relay.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Frequency == 0 || req.DurationSeconds <= 0 {
		badRequest(c, "frequency and durationSeconds are required")
		return
	}
	id, err := h.serv.StartCapture(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	glog.Infof("[%s] started session %s at %d Hz", c.Request.RemoteAddr, id, req.Frequency)
	c.JSON(http.StatusOK, relay.StartResponse{SessionID: id})
}

func (h *handler) listCaptures(c *gin.Context) {
	c.JSON(http.StatusOK, h.serv.Sessions())
}

func (h *handler) getCapture(c *gin.Context) {
	sess, err := h.serv.Session(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) getAudio(c *gin.Context) {
	path, err := h.serv.Artifact(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Type", "audio/wav")
	c.FileAttachment(path, filepath.Base(path))
}

func (h *handler) stopCapture(c *gin.Context) {
	sess, err := h.serv.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) reapCapture(c *gin.Context) {
	if err := h.serv.Reap(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) checkSignal(c *gin.Context) {
	var req relay.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	r, err := h.serv.Check(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handler) status(c *gin.Context) {
	st, err := h.serv.Status(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
