package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
	cloud "github.com/noah-isme/gema-grading-api/pkg/cloudinary"
	"github.com/noah-isme/gema-grading-api/pkg/oracle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Student{}, &models.Assignment{}, &models.Question{}, &models.AssignmentAttempt{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	oracleClient, err := oracle.NewClient(cfg.OracleURL, cfg.OracleTimeout, logger)
	if err != nil {
		log.Fatalf("failed to create oracle client: %v", err)
	}

	// A missing broker degrades lifecycle events to no-ops instead of
	// blocking startup.
	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, attempt events disabled")
			natsConn = nil
		} else {
			defer natsConn.Drain()
		}
	}

	var summarizer ai.Summarizer
	if cfg.AIFeedbackEnabled {
		openAISummarizer, err := ai.NewOpenAISummarizer(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create feedback summarizer: %v", err)
		}
		summarizer = openAISummarizer
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	assignmentRepo := repository.NewAssignmentRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)
	studentRepo := repository.NewStudentRepository(db)

	events := service.NewNATSEventPublisher(natsConn, "", logger)
	renderer := service.NewPageRenderer(uploader, logger)
	attemptQueries := service.NewAttemptQueryService(attemptRepo, redisClient, cfg.AttemptCacheTTL, cfg.ProcessingStaleAfter, logger)
	gradingService := service.NewGradingService(attemptRepo, renderer, oracleClient, events, attemptQueries, summarizer, cfg.ProcessingStaleAfter, logger)
	assignmentService := service.NewAssignmentService(assignmentRepo, attemptRepo, studentRepo, validate, uploader, logger)

	assignmentHandler := handler.NewAssignmentHandler(assignmentService, validate, logger)
	attemptHandler := handler.NewAttemptHandler(attemptQueries, validate, logger)
	gradingHandler := handler.NewGradingHandler(gradingService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    64 << 20,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		AssignmentHandler: assignmentHandler,
		AttemptHandler:    attemptHandler,
		GradingHandler:    gradingHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
