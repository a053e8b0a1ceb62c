package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/repowatch/internal/history"
	"github.com/loykin/repowatch/internal/metrics"
	"github.com/loykin/repowatch/internal/monitor"
)

// Router provides embeddable HTTP handlers for supervised repositories.
// Endpoints (all relative to basePath):
//
//	GET  /instances                    snapshots of every instance
//	GET  /status?path=...              snapshot of one instance
//	POST /start|/stop|/restart?path=   launch a lifecycle command
//	POST /clear-credential?path=       stop, then remove the password hash
//	PUT  /autorestart?path=&enabled=   toggle auto-restart
//	GET  /failure?path=...             last lifecycle failure, 204 if none
//	POST /reconcile                    request an immediate poll pass
//	GET  /history?path=&limit=         recorded events (when a reader is set)
//	GET  /metrics                      Prometheus (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sups     []*monitor.Supervisor
	byPath   map[string]*monitor.Supervisor
	basePath string
	opts     RouterOptions
}

// RouterOptions carries the optional collaborators of a Router.
type RouterOptions struct {
	BasePath string
	// History serves GET /history when set.
	History history.Reader
	// Kick is called after a command is accepted so the next reconcile
	// does not wait for the poll interval.
	Kick func()
	// Metrics mounts the Prometheus handler at /metrics.
	Metrics bool
	Logger  *slog.Logger
}

// NewRouter indexes sups by location and canonical path.
func NewRouter(sups []*monitor.Supervisor, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Router{
		sups:     sups,
		byPath:   make(map[string]*monitor.Supervisor, 2*len(sups)),
		basePath: normalizeBase(opts.BasePath),
		opts:     opts,
	}
	for _, s := range sups {
		inst := s.Instance()
		r.byPath[inst.Location] = s
		if inst.CanonicalPath != "" {
			if _, taken := r.byPath[inst.CanonicalPath]; !taken {
				r.byPath[inst.CanonicalPath] = s
			}
		}
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	r.Register(g.Group(r.basePath))
	return g
}

// Register mounts the endpoints on an existing gin group, for embedding
// into a caller's engine.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/instances", r.handleInstances)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.command(monitor.ActionStart))
	group.POST("/stop", r.command(monitor.ActionStop))
	group.POST("/restart", r.command(monitor.ActionRestart))
	group.POST("/clear-credential", r.command(monitor.ActionClearCredential))
	group.PUT("/autorestart", r.handleAutoRestart)
	group.GET("/failure", r.handleFailure)
	group.POST("/reconcile", r.handleReconcile)
	if r.opts.History != nil {
		group.GET("/history", r.handleHistory)
	}
	if r.opts.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.opts.Logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type commandResp struct {
	OK            bool          `json:"ok"`
	State         monitor.State `json:"state"`
	PendingAction string        `json:"pending_action,omitempty"`
}

type autoRestartResp struct {
	OK          bool `json:"ok"`
	AutoRestart bool `json:"auto_restart"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// lookup resolves ?path= to a supervisor, writing the error response itself
// when it cannot.
func (r *Router) lookup(c *gin.Context) (*monitor.Supervisor, bool) {
	p := c.Query("path")
	key, err := instanceKey(p)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	s, ok := r.byPath[key]
	if !ok {
		writeError(c, http.StatusNotFound, "unknown instance: "+p)
		return nil, false
	}
	return s, true
}

func (r *Router) handleInstances(c *gin.Context) {
	out := make([]monitor.Snapshot, 0, len(r.sups))
	for _, s := range r.sups {
		out = append(out, s.Snapshot())
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	s, ok := r.lookup(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, s.Snapshot())
}

func (r *Router) command(a monitor.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := r.lookup(c)
		if !ok {
			return
		}
		// The command outlives the request; only history delivery uses ctx.
		ctx := context.WithoutCancel(c.Request.Context())
		var err error
		switch a {
		case monitor.ActionStart:
			err = s.Start(ctx)
		case monitor.ActionStop:
			err = s.Stop(ctx)
		case monitor.ActionRestart:
			err = s.Restart(ctx)
		case monitor.ActionClearCredential:
			err = s.ClearCredential(ctx)
		}
		if err != nil {
			writeError(c, statusFor(err), err.Error())
			return
		}
		if r.opts.Kick != nil {
			r.opts.Kick()
		}
		writeJSON(c, http.StatusAccepted, commandResp{OK: true, State: s.State(), PendingAction: s.PendingActionLabel()})
	}
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	var spawn *monitor.SpawnError
	switch {
	case errors.Is(err, monitor.ErrActionInProgress):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrInstanceMissing):
		return http.StatusGone
	case errors.As(err, &spawn):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (r *Router) handleAutoRestart(c *gin.Context) {
	s, ok := r.lookup(c)
	if !ok {
		return
	}
	on, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "enabled must be true or false")
		return
	}
	s.SetAutoRestart(on)
	writeJSON(c, http.StatusOK, autoRestartResp{OK: true, AutoRestart: s.AutoRestart()})
}

func (r *Router) handleFailure(c *gin.Context) {
	s, ok := r.lookup(c)
	if !ok {
		return
	}
	f := s.LastFailure()
	if f == nil {
		c.Status(http.StatusNoContent)
		return
	}
	writeJSON(c, http.StatusOK, f)
}

func (r *Router) handleReconcile(c *gin.Context) {
	if r.opts.Kick == nil {
		writeError(c, http.StatusServiceUnavailable, "no scheduler attached")
		return
	}
	r.opts.Kick()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	instance := ""
	if c.Query("path") != "" {
		s, ok := r.lookup(c)
		if !ok {
			return
		}
		instance = s.Instance().Location
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			writeError(c, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}
	events, err := r.opts.History.Recent(c.Request.Context(), instance, limit)
	if err != nil {
		r.opts.Logger.Warn("history query failed", "error", err)
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
