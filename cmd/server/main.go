package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/parcelmarket/backend/docs"
	"github.com/parcelmarket/backend/internal/database"
	mW "github.com/parcelmarket/backend/internal/middleware"
	"github.com/parcelmarket/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Parcel Market Backend API
// @version 1.0
// @description Ownership, wallet and rental engine for the parcel marketplace
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.lock_timeout", "DATABASE_LOCK_TIMEOUT")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("marketplace.fee_percent", "MARKETPLACE_FEE_PERCENT")
	viper.BindEnv("payments.sandbox_url", "PAYMENTS_SANDBOX_URL")
	viper.BindEnv("antifraud.max_attempts_per_minute", "ANTIFRAUD_MAX_ATTEMPTS_PER_MINUTE")
	viper.BindEnv("antifraud.buy_cooldown", "ANTIFRAUD_BUY_COOLDOWN")
	viper.BindEnv("antifraud.new_user_max_buys", "ANTIFRAUD_NEW_USER_MAX_BUYS")
	viper.BindEnv("antifraud.new_user_window", "ANTIFRAUD_NEW_USER_WINDOW")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Parcel Market Backend API"
	docs.SwaggerInfo.Description = "Ownership, wallet and rental engine for the parcel marketplace"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	feeCalculator := services.NewFeeCalculator()
	antiFraud := services.NewAntiFraud(services.GetAntiFraudConfig())
	defer antiFraud.Close()
	eventPublisher := services.NewParcelEventPublisher(redisClient)

	walletService := services.NewWalletService(db)
	marketplaceService := services.NewMarketplaceService(db, walletService, feeCalculator, antiFraud, eventPublisher)
	rentalService := services.NewRentalService(db, walletService, feeCalculator, eventPublisher)
	paymentService := services.NewPaymentService(db, walletService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Settlement callbacks come from the payment provider, not a
		// logged-in user.
		r.Post("/payments/webhook", paymentService.Webhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/wallet", walletService.GetWalletHandler)
			r.Get("/wallet/ledger", walletService.GetLedger)
			r.With(mW.RequireKYC).Post("/wallet/withdraw", walletService.Withdraw)

			r.Post("/payments/deposit", paymentService.Deposit)
			r.Get("/payments/{txID}/qr", paymentService.PaymentQR)

			r.Post("/market/buy/{parcelID}", marketplaceService.BuyParcel)
			r.Post("/market/list/{parcelID}", marketplaceService.ListParcel)
			r.Get("/market/transactions", marketplaceService.GetTransactions)

			r.Post("/rent/list/{parcelID}", rentalService.ListForRent)
			r.Post("/rent/start/{parcelID}", rentalService.StartRental)
			r.Get("/rent/my", rentalService.GetMyRentals)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
