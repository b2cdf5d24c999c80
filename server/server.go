package server

import (
	"FinanceFlow/config"
	"FinanceFlow/handlers"
	"FinanceFlow/kafka"
	"FinanceFlow/limiter"
	custommiddleware "FinanceFlow/middleware"
	"FinanceFlow/models"
	"FinanceFlow/redis"
	"FinanceFlow/services"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Server struct {
	Echo             *echo.Echo
	DB               *gorm.DB
	Config           *config.Config
	Hub              *handlers.Hub
	SupportHandler   *handlers.SupportHandler
	SupportWSHandler *handlers.SupportWebSocketHandler
}

func NewServer() *Server {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		log.Fatal("Failed to auto-migrate database:", err)
	}

	// 初始化 Echo
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"http://localhost:5173"},
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.PATCH},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		MaxAge:           86400,
	}))

	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		// 在线列表和限流降级，通道本身照常工作
		log.Warn("Redis unavailable, presence and rate limiting disabled:", err)
		redisClient = nil
	}

	// 审计事件生产者，未配置 broker 时不启用
	var events services.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		saramaConfig, err := kafka.NewSaramaConfig(&cfg.Kafka)
		if err != nil {
			log.Fatal("Failed to build kafka config:", err)
		}
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, saramaConfig)
		if err != nil {
			log.Warn("Kafka unavailable, audit events disabled:", err)
		} else {
			events = producer
		}
	}

	hub := handlers.NewHub(redisClient)
	go hub.Run()

	authService := services.NewAuthService(db, &cfg.Auth)
	supportService := services.NewSupportService(db)
	relayService := services.NewRelayService(supportService, hub, events, cfg.Kafka.Topic)

	supportHandler := handlers.NewSupportHandler(supportService, relayService, redisClient)
	supportWSHandler := handlers.NewSupportWebSocketHandler(hub, relayService)

	s := &Server{
		Echo:             e,
		DB:               db,
		Config:           &cfg,
		Hub:              hub,
		SupportHandler:   supportHandler,
		SupportWSHandler: supportWSHandler,
	}

	// --- 设置路由 ---
	authMiddleware := custommiddleware.AuthMiddleware(authService)
	staffMiddleware := custommiddleware.StaffMiddleware()
	rateLimitMiddleware := newMessageRateLimit(redisClient)
	s.SetupRoutes(authMiddleware, staffMiddleware, rateLimitMiddleware)
	return s
}

// 消息接口按用户限流，Redis 不可用时不限流
func newMessageRateLimit(redisClient *redis.RedisClient) echo.MiddlewareFunc {
	if redisClient == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}
	manager := limiter.NewManager(redisClient.Client, &limiter.FixedWindowStrategy{})
	return custommiddleware.NewRateLimitMiddleware(manager, custommiddleware.RateLimitConfig{
		Limit:  30, // 每分钟30条
		Window: time.Minute,
		KeyFunc: func(c echo.Context) string {
			if user, ok := c.Get("user").(*models.User); ok {
				return "support:message:" + user.ID
			}
			return ""
		},
	})
}

func (s *Server) Start(addr string) {
	if addr == "" {
		addr = s.Config.Server.Addr
	}
	log.Fatal(s.Echo.Start(addr))
}
