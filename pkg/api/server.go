// Package api exposes the operational HTTP surface: health, on-demand
// cycle triggers, analytics, and escalation management. All non-health
// endpoints require a bearer token validated by the Token Broker, gated
// first by the Security Guard's lockout check.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ssmanji89/emailprocer/pkg/pipeline"
	"github.com/ssmanji89/emailprocer/pkg/scheduler"
	"github.com/ssmanji89/emailprocer/pkg/store"
	"github.com/ssmanji89/emailprocer/pkg/tokenbroker"
)

// Store is the subset of the Store the API surface reads and writes.
type Store interface {
	Dashboard(ctx context.Context, lookback time.Duration) (store.DashboardSnapshot, error)
	RecordFeedback(ctx context.Context, emailID string, value store.FeedbackValue, notes string, at time.Time) error
	ActiveEscalations(ctx context.Context) ([]store.EscalationGroup, error)
	ResolveEscalation(ctx context.Context, groupID, notes string, resolvedAt time.Time) error
}

// Cycle is the subset of the pipeline the immediate-processing endpoint
// drives directly, bypassing the scheduler's single-flight guard so it
// can hand the caller a Summary synchronously.
type Cycle interface {
	RunCycle(ctx context.Context, since *time.Time) (pipeline.Summary, error)
}

// Scheduler is the subset of the scheduler the API surface reads and
// triggers.
type Scheduler interface {
	Trigger(ctx context.Context) (bool, error)
	Health(ctx context.Context) scheduler.Health
}

// Authenticator validates a bearer token, returning its claims.
type Authenticator interface {
	Validate(ctx context.Context, identifier, rawToken string) (tokenbroker.Claims, error)
}

// Lockout reports whether an identifier is currently locked out, so the
// middleware can reject without spending a validation attempt.
type Lockout interface {
	IsLocked(identifier string) bool
}

// Server wires the operational endpoints to the pipeline, scheduler,
// and store.
type Server struct {
	store   Store
	sched   Scheduler
	cycle   Cycle
	auth    Authenticator
	lockout Lockout
	logger  *slog.Logger

	dashboardLookback time.Duration
}

// Config bounds the dashboard's default lookback window.
type Config struct {
	DashboardLookback time.Duration
}

// New builds a Server. lockout may be nil to skip the pre-validation
// lockout check.
func New(st Store, sched Scheduler, cycle Cycle, auth Authenticator, lockout Lockout, cfg Config) *Server {
	if cfg.DashboardLookback <= 0 {
		cfg.DashboardLookback = 7 * 24 * time.Hour
	}
	return &Server{
		store:             st,
		sched:             sched,
		cycle:             cycle,
		auth:              auth,
		lockout:           lockout,
		logger:            slog.Default().With("component", "api"),
		dashboardLookback: cfg.DashboardLookback,
	}
}

// RegisterRoutes mounts every endpoint on r. /health is unauthenticated;
// everything else sits behind requireAuth.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.health)

	authed := r.Group("/")
	authed.Use(s.requireAuth)
	{
		authed.POST("/process/trigger", s.triggerProcess)
		authed.POST("/process/immediate", s.immediateProcess)
		authed.GET("/process/status", s.processStatus)
		authed.GET("/analytics/dashboard", s.dashboard)
		authed.POST("/analytics/feedback", s.feedback)
		authed.GET("/escalations/active", s.activeEscalations)
		authed.POST("/escalations/:group_id/resolve", s.resolveEscalation)
	}
}

// requireAuth extracts a bearer token from the Authorization header,
// rejects locked-out callers before spending a validation attempt, and
// stamps the validated claims onto the request context.
func (s *Server) requireAuth(c *gin.Context) {
	identifier := c.ClientIP()
	if s.lockout != nil && s.lockout.IsLocked(identifier) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts, try again later"})
		return
	}

	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	claims, err := s.auth.Validate(c.Request.Context(), identifier, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("claims", claims)
	c.Next()
}

// health reports liveness. It never requires auth, since orchestrators
// poll it without credentials.
func (s *Server) health(c *gin.Context) {
	h := s.sched.Health(c.Request.Context())
	status := http.StatusOK
	state := "healthy"
	if !h.Healthy {
		state = "degraded"
	}
	if h.RunCount > 0 && h.ErrorCount == h.RunCount {
		state = "unhealthy"
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"status":      state,
		"run_count":   h.RunCount,
		"error_count": h.ErrorCount,
		"last_run":    h.LastRun,
		"next_run":    h.NextRun,
		"uptime":      h.Uptime.String(),
	})
}

// triggerProcess enqueues a cycle and returns immediately; the cycle
// itself runs through the scheduler's existing single-flight guard.
func (s *Server) triggerProcess(c *gin.Context) {
	go func() {
		if _, err := s.sched.Trigger(context.Background()); err != nil {
			s.logger.Error("triggered cycle failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "enqueued"})
}

// immediateProcess runs one cycle synchronously and returns its summary.
func (s *Server) immediateProcess(c *gin.Context) {
	summary, err := s.cycle.RunCycle(c.Request.Context(), nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// processStatus reports the scheduler's current health snapshot.
func (s *Server) processStatus(c *gin.Context) {
	h := s.sched.Health(c.Request.Context())
	c.JSON(http.StatusOK, h)
}

// dashboard reports the rolled-up analytics snapshot.
func (s *Server) dashboard(c *gin.Context) {
	snap, err := s.store.Dashboard(c.Request.Context(), s.dashboardLookback)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// feedbackRequest is the body for POST /analytics/feedback.
type feedbackRequest struct {
	EmailID  string `json:"email_id" binding:"required"`
	Feedback string `json:"feedback" binding:"required"`
	Notes    string `json:"notes"`
}

var validFeedback = map[string]store.FeedbackValue{
	"correct":   store.FeedbackCorrect,
	"incorrect": store.FeedbackIncorrect,
	"partial":   store.FeedbackPartial,
}

// feedback attaches human review feedback to an existing classification.
func (s *Server) feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, ok := validFeedback[strings.ToLower(req.Feedback)]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feedback must be one of correct, incorrect, partial"})
		return
	}

	if err := s.store.RecordFeedback(c.Request.Context(), req.EmailID, value, req.Notes, time.Now().UTC()); err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "no classification found for that email"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// activeEscalations lists groups not yet resolved.
func (s *Server) activeEscalations(c *gin.Context) {
	groups, err := s.store.ActiveEscalations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, groups)
}

// resolveEscalationRequest is the body for POST /escalations/{group_id}/resolve.
type resolveEscalationRequest struct {
	Notes string `json:"notes"`
}

// resolveEscalation marks an active escalation group resolved.
func (s *Server) resolveEscalation(c *gin.Context) {
	groupID := c.Param("group_id")
	var req resolveEscalationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.ResolveEscalation(c.Request.Context(), groupID, req.Notes, time.Now().UTC()); err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no active escalation with that group id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
