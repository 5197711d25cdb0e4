package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"

	"presence-mirror/internal/config"
	"presence-mirror/internal/db"
	"presence-mirror/internal/security"
	"presence-mirror/internal/slack"
	"presence-mirror/internal/store"
)

type Server struct {
	log      *slog.Logger
	cfg      config.Config
	db       *db.DB
	slack    *slack.Client
	installs *store.InstallationStore
	dispatch *Dispatcher
	router   *gin.Engine
	limiter  *security.LimiterStore
}

func NewServer(log *slog.Logger, cfg config.Config, dbConn *db.DB, slackClient *slack.Client, installs *store.InstallationStore, dispatch *Dispatcher) *Server {
	s := &Server{
		log:      log,
		cfg:      cfg,
		db:       dbConn,
		slack:    slackClient,
		installs: installs,
		dispatch: dispatch,
		router:   gin.New(),
		limiter:  security.NewLimiterStore(rate.Limit(2), 10, 10*time.Minute),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	r.POST("/slack/events", s.verifySignatureMiddleware(), s.handleEvents)
	r.GET("/slack/install", s.handleInstall)
	r.GET("/slack/oauth/callback", s.handleOAuthCallback)

	admin := r.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	admin.PUT("/users/:user_id/enabled", s.handleSetEnabled)

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "db": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
