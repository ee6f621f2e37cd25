package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slumberd/slumber/internal/controller"
	"github.com/slumberd/slumber/internal/metrics"
	"github.com/slumberd/slumber/internal/registry"
)

// Router exposes the supervisor's control API over HTTP.
// Endpoints:
//
//	POST {basePath}/start   query: name=...            -> ConnectionInfo
//	POST {basePath}/stop    query: name=...            -> {ok}
//	POST {basePath}/access  query: name=...            -> {ok}
//	GET  {basePath}/status  query: name=...            -> Snapshot
//	GET  {basePath}/list                               -> []Snapshot
//	GET  {basePath}/metricsfile                        -> durable metrics snapshot
//	POST {basePath}/sweep                              -> {swept}
//	GET  /healthz                                      -> {ok}
//	GET  /metrics                                      -> Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      *controller.Controller
	rec      *metrics.Recorder
	basePath string
	promOn   bool
}

// NewRouter constructs a Router over ctl. rec may be nil when durable metrics
// are disabled; the metricsfile endpoint then returns 404.
func NewRouter(ctl *controller.Controller, rec *metrics.Recorder, basePath string, prometheus bool) *Router {
	return &Router{ctl: ctl, rec: rec, basePath: sanitizeBase(basePath), promOn: prometheus}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.promOn {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/access", r.handleAccess)
	group.GET("/status", r.handleStatus)
	group.GET("/list", r.handleList)
	group.GET("/metricsfile", r.handleMetricsFile)
	group.POST("/sweep", r.handleSweep)
	return g
}

// NewServer starts a standalone HTTP server on addr using the given handler.
func NewServer(addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Start can block for a worker's full startup timeout.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) serverName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	if !registry.SafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return name, true
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case controller.IsConfigError(err):
		return http.StatusNotFound
	case controller.IsStartupTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, controller.ErrRestartCapExceeded):
		return http.StatusConflict
	}
	var pce *controller.PortConflictError
	if errors.As(err, &pce) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	info, err := r.ctl.EnsureRunning(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	if err := r.ctl.Stop(c.Request.Context(), name, "manual"); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAccess(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	if err := r.ctl.RecordAccess(name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := r.serverName(c)
	if !ok {
		return
	}
	s, err := r.ctl.Status(name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.List())
}

func (r *Router) handleMetricsFile(c *gin.Context) {
	if r.rec == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "durable metrics disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.rec.Snapshot())
}

func (r *Router) handleSweep(c *gin.Context) {
	n := r.ctl.SweepOnce()
	writeJSON(c, http.StatusOK, gin.H{"swept": n})
}
