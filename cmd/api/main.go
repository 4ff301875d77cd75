package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"tradescope_go_backend/cmd/api/config"
	"tradescope_go_backend/internal/api"
	"tradescope_go_backend/internal/auth"
	"tradescope_go_backend/internal/counter"
	"tradescope_go_backend/internal/database"
	"tradescope_go_backend/internal/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	database.InitDB()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	counterStore := counter.NewRedisStore(redisClient)

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load system prompt")
	}

	// Initialize internal services
	accountService := services.NewAccountService(
		database.DB,
		cfg.FreeTierTokenLimit,
		cfg.ProTierTokenLimit,
		cfg.EnterpriseTokenLimit,
	)
	usageService := services.NewUsageService(database.DB)
	modelClient := services.NewAnthropicModelClient(cfg.AnthropicAPIKey, cfg.ModelDefault, cfg.ModelVision)
	admissionService := services.NewAdmissionService(counterStore, usageService, logger)
	relayService := services.NewRelayService(modelClient, usageService, systemPrompt, cfg.DisconnectGracePeriod, logger)

	// Overage reporting runs only when billing is configured.
	if cfg.StripeSecretKey != "" {
		billingService := services.NewStripeBillingService(cfg.StripeSecretKey, usageService, cfg.OverageReportInterval, logger)
		go billingService.Run(context.Background())
	}

	r := gin.Default()

	// CORS middleware configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.AllowedOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Remaining", "X-Quota-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api.SetupRoutes(r, accountService, admissionService, relayService, usageService, cfg.AdminSharedSecret)
	auth.SetupRoutes(r, accountService)

	logger.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}
}
