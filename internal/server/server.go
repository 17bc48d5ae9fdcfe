// Package server provides the HTTP admin facade over the lock views: JSON
// listings of current and blocked locks plus explicit cancel/terminate
// actions, the remote counterpart of the pglock CLI.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/pglock/internal/logging"
	"github.com/kneutral-org/pglock/internal/middleware"
	"github.com/kneutral-org/pglock/lockview"
)

// maxKillPayloadBytes bounds the PID-list request bodies.
const maxKillPayloadBytes int64 = 64 * 1024

// LockStore is the lock view surface the handler serves.
type LockStore interface {
	Locks(ctx context.Context, opts ...lockview.QueryOption) ([]lockview.Lock, error)
	Blocked(ctx context.Context, opts ...lockview.QueryOption) ([]lockview.BlockedLock, error)
	CancelActivity(ctx context.Context, pids ...int) ([]int, error)
	TerminateActivity(ctx context.Context, pids ...int) ([]int, error)
}

// Handler serves the admin API.
type Handler struct {
	store  LockStore
	logger zerolog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(store LockStore, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger.With().Str("component", "admin-api").Logger(),
	}
}

// RegisterRoutes registers the admin routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/locks", h.ListLocks)
	router.GET("/locks/blocked", h.ListBlocked)

	kills := router.Group("")
	kills.Use(middleware.PayloadLimit(maxKillPayloadBytes, h.logger))
	kills.POST("/activity/cancel", h.CancelActivity)
	kills.POST("/activity/terminate", h.TerminateActivity)
}

// queryOptions translates listing query parameters into lock view filters.
func queryOptions(c *gin.Context) ([]lockview.QueryOption, error) {
	var opts []lockview.QueryOption

	if rels, ok := c.GetQueryArray("relation"); ok {
		opts = append(opts, lockview.OnRelations(rels...))
	}
	if pids, ok := c.GetQueryArray("pid"); ok {
		parsed := make([]int, 0, len(pids))
		for _, raw := range pids {
			pid, err := strconv.Atoi(raw)
			if err != nil {
				return nil, err
			}
			parsed = append(parsed, pid)
		}
		opts = append(opts, lockview.PIDs(parsed...))
	}
	if raw, ok := c.GetQuery("granted"); ok {
		granted, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lockview.Granted(granted))
	}
	if raw, ok := c.GetQuery("min_wait"); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lockview.MinWaitDuration(d))
	}
	if raw, ok := c.GetQuery("limit"); ok {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lockview.Limit(limit))
	}

	return opts, nil
}

// lockJSON is the wire shape of one lock row.
type lockJSON struct {
	PID          int     `json:"pid"`
	Type         string  `json:"type"`
	Mode         string  `json:"mode"`
	Granted      bool    `json:"granted"`
	WaitStart    *string `json:"waitStart,omitempty"`
	WaitDuration *string `json:"waitDuration,omitempty"`
	RelKind      string  `json:"relKind"`
	RelName      string  `json:"relName"`
	BlockingPID  *int    `json:"blockingPid,omitempty"`
}

func toJSON(l lockview.Lock, blockingPID *int) lockJSON {
	out := lockJSON{
		PID:         l.PID,
		Type:        l.Type,
		Mode:        l.Mode,
		Granted:     l.Granted,
		RelKind:     l.RelKind,
		RelName:     l.RelName,
		BlockingPID: blockingPID,
	}
	if l.WaitStart != nil {
		s := l.WaitStart.Format(time.RFC3339Nano)
		out.WaitStart = &s
	}
	if l.WaitDuration != nil {
		s := l.WaitDuration.String()
		out.WaitDuration = &s
	}
	return out
}

// ListLocks returns current locks, longest-waiting first.
func (h *Handler) ListLocks(c *gin.Context) {
	opts, err := queryOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	locks, err := h.store.Locks(c.Request.Context(), opts...)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list locks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list locks"})
		return
	}

	out := make([]lockJSON, 0, len(locks))
	for _, l := range locks {
		out = append(out, toJSON(l, nil))
	}
	c.JSON(http.StatusOK, gin.H{"locks": out})
}

// ListBlocked returns blocked locks with the session blocking each of them.
func (h *Handler) ListBlocked(c *gin.Context) {
	opts, err := queryOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	locks, err := h.store.Blocked(c.Request.Context(), opts...)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list blocked locks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list blocked locks"})
		return
	}

	out := make([]lockJSON, 0, len(locks))
	for _, l := range locks {
		pid := l.BlockingPID
		out = append(out, toJSON(l.Lock, &pid))
	}
	c.JSON(http.StatusOK, gin.H{"locks": out})
}

// killRequest is the body of the cancel/terminate endpoints.
type killRequest struct {
	PIDs []int `json:"pids" binding:"required,min=1"`
}

// CancelActivity cancels the current query on each listed backend.
func (h *Handler) CancelActivity(c *gin.Context) {
	var req killRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handled, err := h.store.CancelActivity(c.Request.Context(), req.PIDs...)
	if err != nil {
		h.logger.Error().Err(err).Ints("pids", req.PIDs).Msg("failed to cancel activity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handled": intsOrEmpty(handled)})
}

// TerminateActivity terminates each listed backend.
func (h *Handler) TerminateActivity(c *gin.Context) {
	var req killRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handled, err := h.store.TerminateActivity(c.Request.Context(), req.PIDs...)
	if err != nil {
		h.logger.Error().Err(err).Ints("pids", req.PIDs).Msg("failed to terminate activity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to terminate activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handled": intsOrEmpty(handled)})
}

func intsOrEmpty(pids []int) []int {
	if pids == nil {
		return []int{}
	}
	return pids
}

// NewRouter assembles the gin engine with logging, health, metrics, and the
// admin API.
func NewRouter(store LockStore, logger zerolog.Logger) *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := NewHandler(store, logger)
	handler.RegisterRoutes(router.Group("/api/v1"))

	return router
}
