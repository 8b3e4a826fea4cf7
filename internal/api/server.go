// Package api exposes the mailroom operations over HTTP.
package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gotrs-io/mailroom/internal/email/inbound/fetch"
	"github.com/gotrs-io/mailroom/internal/folders"
	"github.com/gotrs-io/mailroom/internal/middleware"
	"github.com/gotrs-io/mailroom/internal/service"
)

type fetchRunner interface {
	FetchCycle(ctx context.Context, mailboxID int64) (fetch.Stats, error)
}

type statusReader interface {
	Get(ctx context.Context, mailboxID int64) (*fetch.Status, error)
}

// Server holds the collaborators behind the HTTP routes.
type Server struct {
	db          *sqlx.DB
	tickets     *service.TicketService
	merger      *service.CustomerMergeService
	fetcher     fetchRunner
	status      statusReader
	folders     *folders.Maintainer
	stream      http.Handler
	metricsPath string
	logger      *log.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithFetchCoordinator enables the fetch route.
func WithFetchCoordinator(f fetchRunner) Option {
	return func(s *Server) { s.fetcher = f }
}

// WithStatusReader enables GET /mailboxes/:id/fetch.
func WithStatusReader(r statusReader) Option {
	return func(s *Server) { s.status = r }
}

// WithEventStream mounts a websocket event stream at /ws.
func WithEventStream(h http.Handler) Option {
	return func(s *Server) { s.stream = h }
}

// WithMetricsPath mounts the Prometheus handler; empty disables it.
func WithMetricsPath(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithLogger overrides the access and error logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer wires the API around the shared services.
func NewServer(db *sqlx.DB, tickets *service.TicketService, merger *service.CustomerMergeService, opts ...Option) *Server {
	s := &Server{
		db:          db,
		tickets:     tickets,
		merger:      merger,
		metricsPath: "/metrics",
		logger:      log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.folders = folders.NewMaintainer(folders.WithLogger(s.logger))
	return s
}

// Router builds the gin engine serving every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(s.logger))

	r.GET("/healthz", s.handleHealth)
	if s.metricsPath != "" {
		r.GET(s.metricsPath, gin.WrapH(promhttp.Handler()))
	}
	if s.stream != nil {
		r.GET("/ws", gin.WrapH(s.stream))
	}

	var pinger middleware.Pinger
	if s.db != nil {
		pinger = s.db
	}
	v1 := r.Group("/api/v1")
	v1.Use(middleware.DatabaseHealthCheck(pinger))
	{
		v1.GET("/mailboxes/:id/tickets", s.handleListTickets)
		v1.POST("/mailboxes/:id/tickets", s.handleCreateTicket)
		v1.POST("/mailboxes/:id/fetch", s.handleFetch)
		v1.GET("/mailboxes/:id/fetch", s.handleFetchStatus)
		v1.POST("/mailboxes/:id/reconcile", s.handleReconcile)
		v1.GET("/mailboxes/:id/folders", s.handleFolders)

		v1.GET("/tickets/:id", s.handleGetTicket)
		v1.GET("/tickets/:id/messages", s.handleListMessages)
		v1.POST("/tickets/:id/replies", s.handleReply)
		v1.PUT("/tickets/:id/status", s.handleChangeStatus)
		v1.PUT("/tickets/:id/assignee", s.handleChangeAssignee)
		v1.PUT("/tickets/:id/folder", s.handleChangeFolder)
		v1.DELETE("/tickets/:id", s.handleDeleteTicket)
		v1.GET("/tickets/:id/outbox", s.handleTicketOutbox)
		v1.PUT("/messages/:id", s.handleEditMessage)

		v1.GET("/customers/:id", s.handleGetCustomer)
		v1.POST("/customers/merge", s.handleMergeCustomers)

		v1.GET("/mail-queue", s.handleMailQueue)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": "not configured"})
		return
	}
	if err := s.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
