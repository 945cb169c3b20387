package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"alpaca-trading-bot/config"
	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/bot"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/events"
	"alpaca-trading-bot/internal/logging"
	"alpaca-trading-bot/internal/scheduler"
)

// Server is the HTTP control surface: scheduler control, risk operations,
// signal/order/position queries, preferences, and the websocket event
// stream.
type Server struct {
	engine *bot.Engine
	sched  *scheduler.Scheduler
	db     *database.DB
	hub    *wsHub
	log    *logging.Logger

	httpServer *http.Server
}

// NewServer builds the router and wires the event stream
func NewServer(cfg config.ServerConfig, engine *bot.Engine, sched *scheduler.Scheduler, db *database.DB, bus *events.Bus) *Server {
	s := &Server{
		engine: engine,
		sched:  sched,
		db:     db,
		hub:    newWSHub(bus),
		log:    logging.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.AllowedOrigins}
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsCfg))

	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.hub.handleConnection)

	api := router.Group("/api")
	{
		sched := api.Group("/scheduler")
		{
			sched.GET("/status", s.handleSchedulerStatus)
			sched.POST("/start", s.handleSchedulerStart)
			sched.POST("/stop", s.handleSchedulerStop)
			sched.POST("/execute", s.handleSchedulerExecute)
			sched.PUT("/interval", s.handleSchedulerInterval)
		}

		users := api.Group("/users/:userID")
		{
			users.GET("", s.handleGetUser)
			users.PUT("/broker-account", s.handleLinkBrokerAccount)

			users.GET("/risk/metrics", s.handleRiskMetrics)
			users.GET("/risk/breaches", s.handleRiskBreaches)
			users.GET("/risk/limits", s.handleGetRiskLimits)
			users.PUT("/risk/limits", s.handlePutRiskLimits)
			users.POST("/emergency-stop", s.handleEmergencyStop)

			users.GET("/signals", s.handleSignals)
			users.POST("/analyze", s.handleAnalyze)

			users.GET("/positions", s.handlePositions)
			users.GET("/orders", s.handleOrders)
			users.POST("/orders", s.handleSubmitOrder)
			users.DELETE("/orders/:orderID", s.handleCancelOrder)
			users.POST("/orders/:orderID/sync", s.handleSyncOrder)

			users.GET("/activity", s.handleActivity)

			users.GET("/preferences", s.handleGetPreferences)
			users.PUT("/preferences/auto-trading", s.handleAutoTrading)

			users.GET("/strategy-config", s.handleGetStrategyConfig)
			users.PUT("/strategy-config", s.handlePutStrategyConfig)
		}
	}
}

// Run starts serving until the listener fails or Shutdown is called
func (s *Server) Run() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections and closes the websocket hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

func (s *Server) handleSchedulerStart(c *gin.Context) {
	s.sched.Start()
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	s.sched.Stop()
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

func (s *Server) handleSchedulerExecute(c *gin.Context) {
	s.sched.ExecuteNow()
	c.JSON(http.StatusAccepted, gin.H{"message": "cycle triggered"})
}

func (s *Server) handleSchedulerInterval(c *gin.Context) {
	var req struct {
		Minutes int `json:"minutes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.SetInterval(time.Duration(req.Minutes) * time.Minute); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

func (s *Server) handleRiskMetrics(c *gin.Context) {
	userID := c.Param("userID")
	fresh := c.Query("fresh") == "true"

	m, err := s.engine.GetRiskMetrics(c.Request.Context(), userID, fresh)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleGetUser(c *gin.Context) {
	user, err := s.db.GetUserByID(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleLinkBrokerAccount(c *gin.Context) {
	var req struct {
		APIKey    string `json:"api_key" binding:"required"`
		SecretKey string `json:"secret_key" binding:"required"`
		Paper     *bool  `json:"paper"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	paper := true
	if req.Paper != nil {
		paper = *req.Paper
	}
	if err := s.engine.LinkBrokerAccount(c.Request.Context(), c.Param("userID"), req.APIKey, req.SecretKey, paper); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "broker account linked", "paper": paper})
}

func (s *Server) handleRiskBreaches(c *gin.Context) {
	breach, err := s.engine.CheckRiskBreaches(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, breach)
}

func (s *Server) handleGetRiskLimits(c *gin.Context) {
	limits, err := s.db.GetRiskLimits(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) handlePutRiskLimits(c *gin.Context) {
	var limits database.RiskLimits
	if err := c.ShouldBindJSON(&limits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limits.UserID = c.Param("userID")
	if limits.DailyLossPercent < 0 || limits.DrawdownPercent < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit values must be positive magnitudes"})
		return
	}
	if err := s.db.UpsertRiskLimits(c.Request.Context(), &limits); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	closed, err := s.engine.EmergencyStop(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions_closed": closed})
}

func (s *Server) handleSignals(c *gin.Context) {
	userID := c.Param("userID")
	ctx := c.Request.Context()

	if c.Query("unexecuted") == "true" {
		signals, err := s.db.GetUnexecutedSignals(ctx, userID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, signals)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	signals, err := s.db.GetRecentSignals(ctx, userID, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, signals)
}

func (s *Server) handleAnalyze(c *gin.Context) {
	signals, err := s.engine.RunStrategyAnalysis(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, signals)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.db.GetOpenPositions(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := s.db.GetRecentOrders(c.Request.Context(), c.Param("userID"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var req struct {
		Symbol      string  `json:"symbol" binding:"required"`
		Qty         float64 `json:"qty" binding:"required"`
		Side        string  `json:"side" binding:"required"`
		TakeProfit  float64 `json:"take_profit" binding:"required"`
		StopLoss    float64 `json:"stop_loss" binding:"required"`
		TimeInForce string  `json:"time_in_force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TimeInForce == "" {
		req.TimeInForce = "gtc"
	}

	order, err := s.engine.SubmitManualOrder(c.Request.Context(), c.Param("userID"), alpaca.BracketOrderParams{
		Symbol:      req.Symbol,
		Qty:         req.Qty,
		Side:        req.Side,
		TakeProfit:  req.TakeProfit,
		StopLoss:    req.StopLoss,
		TimeInForce: req.TimeInForce,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	if err := s.engine.CancelOrder(c.Request.Context(), c.Param("userID"), c.Param("orderID")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order cancelled"})
}

func (s *Server) handleSyncOrder(c *gin.Context) {
	order, err := s.engine.SyncOrder(c.Request.Context(), c.Param("userID"), c.Param("orderID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	activity, err := s.db.GetRecentActivity(c.Request.Context(), c.Param("userID"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, activity)
}

func (s *Server) handleGetPreferences(c *gin.Context) {
	prefs, err := s.db.GetTradingPreferences(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) handleAutoTrading(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetAutoTrading(c.Request.Context(), c.Param("userID"), *req.Enabled); err != nil {
		s.respondError(c, err)
		return
	}
	prefs, err := s.db.GetTradingPreferences(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) handleGetStrategyConfig(c *gin.Context) {
	cfg, err := s.db.GetStrategyConfig(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handlePutStrategyConfig(c *gin.Context) {
	cfg, err := s.db.GetStrategyConfig(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := c.ShouldBindJSON(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.db.SaveStrategyConfig(c.Request.Context(), c.Param("userID"), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// respondError maps domain errors onto HTTP statuses
func (s *Server) respondError(c *gin.Context, err error) {
	var gerr *alpaca.GatewayError
	switch {
	case errors.Is(err, alpaca.ErrAccountNotConnected):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "broker account not connected"})
	case errors.As(err, &gerr):
		c.JSON(http.StatusBadGateway, gin.H{"error": gerr.Error()})
	default:
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
