package api

import (
	"net/http"
	"time"

	"batchtrader/internal/engine"
	"batchtrader/internal/events"
	"batchtrader/internal/ledger"
	"batchtrader/internal/monitor"
	"batchtrader/internal/persistence"
	"batchtrader/internal/stream"
	"batchtrader/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the trading core.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Engine    *engine.Engine
	Wallet    *ledger.Wallet
	Stream    *stream.Manager
	Journal   *persistence.Journal
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Mode        string
	Instruments []string
	Interval    time.Duration
	Version     string
}

func NewServer(bus *events.Bus, database *db.Database, eng *engine.Engine, wallet *ledger.Wallet, streamMgr *stream.Manager, journal *persistence.Journal, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Engine:    eng,
		Wallet:    wallet,
		Stream:    streamMgr,
		Journal:   journal,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/session/status", s.getSessionStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/assets", s.getAssets)
			protected.GET("/wallet", s.getWallet)
			protected.GET("/trades", s.getTrades)

			protected.POST("/manual/buy", s.manualBuy)
			protected.POST("/manual/sell", s.manualSell)
			protected.POST("/reset", s.resetSession)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
