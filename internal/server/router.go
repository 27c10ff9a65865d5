package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/runstat/internal/auth"
	"github.com/loykin/runstat/internal/manager"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/status"
)

// Router provides embeddable HTTP handlers over a Manager.
// Endpoints:
//
//	GET  {basePath}/status           all supervised services
//	GET  {basePath}/status/:service  one service
//	POST {basePath}/start/:service
//	POST {basePath}/stop/:service
//	POST {basePath}/login            when auth is enabled
//	GET  /metrics                    when a metrics handler is set
//
// With auth, status routes need the read permission and start/stop the
// write permission.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *manager.Manager
	basePath string
	metrics  http.Handler
	auth     *auth.Middleware
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

// WithAuth requires authentication on the API routes.
func WithAuth(m *auth.Middleware) Option {
	return func(r *Router) { r.auth = m }
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/status, /abc/start/tor, ...
func NewRouter(mgr *manager.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	read, write := group, group
	if r.auth != nil {
		group.POST("/login", r.auth.GinLogin)
		authed := group.Group("", r.auth.GinAuth())
		read = authed.Group("", r.auth.GinRequire(auth.ActionRead))
		write = authed.Group("", r.auth.GinRequire(auth.ActionWrite))
	}
	read.GET("/status", r.handleStatusAll)
	read.GET("/status/:service", r.handleStatus)
	write.POST("/start/:service", r.handleStart)
	write.POST("/stop/:service", r.handleStop)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer returns an http.Server for addr using this router. The caller
// runs ListenAndServe and Shutdown. Start may pull an image, so the write
// timeout is generous.
func NewServer(addr, basePath string, mgr *manager.Manager, opts ...Option) *http.Server {
	r := NewRouter(mgr, basePath, opts...)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// ServiceStatus is one entry of the status API.
type ServiceStatus struct {
	Service string `json:"service"`
	status.ServiceStatus
}

type commandResp struct {
	OK     bool          `json:"ok"`
	Status ServiceStatus `json:"status"`
}

func (r *Router) handleStatusAll(c *gin.Context) {
	all := r.mgr.StatusAll()
	out := make([]ServiceStatus, 0, len(all))
	for _, svc := range r.mgr.Services() {
		out = append(out, ServiceStatus{Service: svc.String(), ServiceStatus: all[svc]})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	svc, ok := r.service(c)
	if !ok {
		return
	}
	st, err := r.mgr.Status(svc)
	if err != nil {
		writeJSON(c, httpStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ServiceStatus{Service: svc.String(), ServiceStatus: st})
}

func (r *Router) handleStart(c *gin.Context) {
	r.command(c, r.mgr.Start)
}

func (r *Router) handleStop(c *gin.Context) {
	r.command(c, r.mgr.Stop)
}

func (r *Router) command(c *gin.Context, run func(context.Context, service.Service) error) {
	svc, ok := r.service(c)
	if !ok {
		return
	}
	if err := run(c.Request.Context(), svc); err != nil {
		writeJSON(c, httpStatus(err), errorResp{Error: err.Error()})
		return
	}
	st, _ := r.mgr.Status(svc)
	writeJSON(c, http.StatusOK, commandResp{OK: true, Status: ServiceStatus{Service: svc.String(), ServiceStatus: st}})
}

func (r *Router) service(c *gin.Context) (service.Service, bool) {
	svc, err := service.Parse(c.Param("service"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return 0, false
	}
	return svc, true
}
