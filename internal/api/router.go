package api

import (
	"net/http"

	"github.com/continuum-chat/continuum/internal/api/handler"
	customMiddleware "github.com/continuum-chat/continuum/internal/api/middleware"
	"github.com/continuum-chat/continuum/internal/config"
	"github.com/continuum-chat/continuum/internal/knowledge"
	"github.com/continuum-chat/continuum/internal/llm"
	"github.com/continuum-chat/continuum/internal/repository/postgres"
	"github.com/continuum-chat/continuum/internal/repository/redis"
	"github.com/continuum-chat/continuum/internal/scheduler"
	"github.com/continuum-chat/continuum/internal/security"
	"github.com/continuum-chat/continuum/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires repositories, services and handlers and returns the HTTP
// router. Task handlers are registered on the scheduler here as well, since
// the services they dispatch to are constructed in this function.
func NewRouter(cfg *config.Config, db *postgres.DB, redisClient *redis.Client, sched *scheduler.Scheduler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Security components
	jwtManager := security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	// Repositories
	sessionRepo := postgres.NewSessionRepository(db.Pool)
	threadRepo := postgres.NewThreadRepository(db.Pool)
	personaRepo := postgres.NewPersonaRepository(db.Pool)
	userRepo := postgres.NewUserRepository(db.Pool)
	messageRepo := postgres.NewMessageRepository(db.Pool)
	jobRepo := postgres.NewJobRepository(db.Pool)

	// Redis-backed components
	rateLimiter := redis.NewRateLimiter(
		redisClient,
		cfg.Security.RateLimit.RequestsPerMinute,
		cfg.Security.RateLimit.Burst,
	)
	knowledgeCache := redis.NewKnowledgeCache(redisClient, cfg.Knowledge.HydrateTTL)

	// External clients
	knowledgeClient := knowledge.NewClient(cfg.Knowledge)
	llmClient := llm.NewClient(cfg.LLM)

	// Services
	sessionManager := service.NewSessionManager(
		sessionRepo,
		threadRepo,
		personaRepo,
		userRepo,
		sched,
		knowledgeClient,
		knowledgeCache,
		cfg.Session.StaleThreshold,
	)
	jobEngine := service.NewJobEngine(
		jobRepo,
		sessionRepo,
		messageRepo,
		knowledgeClient,
		knowledgeCache,
		sched,
		sessionManager,
		cfg.Jobs.MaxAttempts,
		cfg.Jobs.MaxPollAttempts,
	)
	sessionManager.SetIngestEnqueuer(jobEngine)

	chatService := service.NewChatService(
		sessionManager,
		sessionRepo,
		threadRepo,
		messageRepo,
		service.NewLLMStreamer(llmClient),
		sched,
		cfg.Session.HistoryLimit,
		cfg.Session.WriteInterval,
	)

	service.RegisterTaskHandlers(sched, sessionManager, jobEngine, chatService)

	// Handlers
	chatHandler := handler.NewChatHandler(chatService)
	sessionHandler := handler.NewSessionHandler(sessionManager)
	jobHandler := handler.NewJobHandler(jobEngine)
	graphHandler := handler.NewGraphHandler(knowledgeClient)

	authMiddleware := customMiddleware.NewAuthMiddleware(jwtManager)
	rateLimitMiddleware := customMiddleware.NewRateLimitMiddleware(rateLimiter)

	r.Route("/api/v1", func(r chi.Router) {
		// Health
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(db, redisClient))

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.Use(rateLimitMiddleware.Limit)

			r.Route("/threads/{threadID}", func(r chi.Router) {
				r.Post("/messages", chatHandler.Send)
				r.Get("/sessions", sessionHandler.ListByThread)
			})

			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Get("/messages", chatHandler.ListMessages)
				r.Post("/close", sessionHandler.Close)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobHandler.List)
				r.Get("/{jobID}", jobHandler.Get)
				r.Post("/{jobID}/retry", jobHandler.Retry)
			})

			r.Post("/corrections", jobHandler.CreateCorrection)
			r.Get("/knowledge/graph", graphHandler.Get)
		})
	})

	return r
}
