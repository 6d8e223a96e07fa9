package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"militext/internal/db"
	"militext/internal/handlers"
	"militext/internal/metrics"
	"militext/internal/models"
	"militext/internal/services"
	"militext/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Deps are the services the routes are built on.
type Deps struct {
	Log      *slog.Logger
	Accounts handlers.Accounts
	Chats    handlers.Chats
	Tokens   handlers.Tokens
	Metrics  *metrics.Metrics
	Hub      *handlers.Hub
}

// New builds the fiber app with every route mounted.
func New(cfg Config, d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             int(max(cfg.MaxUploadBytes*int64(max(cfg.MaxUploadFiles, 1)), 4<<20)),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			wire := models.CodeInternal
			switch code {
			case fiber.StatusNotFound:
				wire = models.CodeNotFound
			case fiber.StatusBadRequest, fiber.StatusUpgradeRequired, fiber.StatusRequestEntityTooLarge:
				wire = models.CodeBadRequest
			}
			if code == fiber.StatusInternalServerError {
				d.Log.Error("Request failed", "path", c.Path(), "err", err)
			}
			return c.Status(code).JSON(models.ErrorResponse{Code: wire, Error: err.Error()})
		},
	})

	// Middleware
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	app.Static("/uploads", cfg.UploadDir)

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", d.Metrics.Handler())

	auth := handlers.AuthMiddleware(d.Tokens, d.Metrics)

	// Routes
	api := app.Group("/api/v1")

	// Public Routes
	api.Post("/users/register", handlers.RegisterHandler(d.Accounts))
	api.Post("/users/login", handlers.LoginHandler(d.Accounts))
	api.Post("/users/refresh-token", handlers.RefreshHandler(d.Accounts))

	// Protected Routes
	protected := api.Group("", auth)
	protected.Get("/users/current-user", handlers.CurrentUserHandler(d.Accounts))
	protected.Post("/users/logout", handlers.LogoutHandler)
	protected.Post("/attachments", handlers.UploadHandler(handlers.UploadConfig{
		Dir:      cfg.UploadDir,
		BaseURL:  cfg.BaseURL,
		MaxBytes: cfg.MaxUploadBytes,
		MaxFiles: cfg.MaxUploadFiles,
	}, d.Log, d.Metrics))
	handlers.MountChats(protected, d.Chats, d.Hub)

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware checks if it's a
	// WS request, AuthMiddleware checks the token.
	rt := handlers.NewRealtime(d.Log, d.Hub, d.Chats, d.Metrics, cfg.EventRPS, cfg.EventBurst)
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", auth)
	app.Get("/ws", rt.Handler())

	return app
}

// Run loads the configuration, connects to PostgreSQL and serves until
// SIGINT or SIGTERM.
func Run() error {
	utils.LoadEnv()
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := utils.NewLogger(cfg.LogLevel)

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.ConnString(), log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		log.Warn("Failed to create upload dir", "dir", cfg.UploadDir, "err", err)
	}

	// Services
	tokens := services.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	app := New(cfg, Deps{
		Log:      log,
		Accounts: services.NewUserService(pool, tokens),
		Chats:    services.NewChatService(pool),
		Tokens:   tokens,
		Metrics:  metrics.New(),
		Hub:      handlers.NewHub(log),
	})

	// Start Server
	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", "port", cfg.Port)
		errCh <- app.Listen(":" + cfg.Port)
	}()

	// Graceful Shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
	}
	log.Info("Gracefully shutting down...")
	if err := app.Shutdown(); err != nil {
		return err
	}
	log.Info("Server shutdown complete")
	return nil
}
