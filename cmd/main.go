package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tomehub/tomehub/auth"
	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/handlers"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services/impl"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Chunk{},
		&models.LibraryItem{},
		&models.Concept{},
		&models.Relation{},
		&models.ConceptChunkLink{},
		&models.ExternalEntity{},
		&models.ExternalEdge{},
		&models.ShadowChunk{},
		&models.SearchLog{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	store := impl.NewStore(db)

	cacheService, err := impl.NewCacheService(&cfg.Redis)
	if err != nil {
		log.Printf("Warning: Cache service initialization failed, continuing without caching: %v", err)
		cacheService, _ = impl.NewCacheService(nil)
	}
	if cacheService.IsUsingRedis() {
		log.Println("Cache service using Redis L2 layer")
	} else {
		log.Println("Cache service running memory-only (no Redis connection)")
	}

	embedder := impl.NewEmbedder(&cfg.Embedding)
	llmClient := impl.NewLLMClient(&cfg.LLM)

	expander := impl.NewQueryExpander(llmClient.LiteProvider(), cfg.LLM.ModelLite, cacheService)
	spell := impl.NewSpellCorrector(store)
	classifier := impl.NewPassageClassifier()
	conceptExtractor := impl.NewConceptExtractor(llmClient.LiteProvider(), cfg.LLM.ModelLite)

	exact := impl.NewExactMatchStrategy(store, &cfg.Search)
	lemma := impl.NewLemmaMatchStrategy(store)
	semantic := impl.NewSemanticMatchStrategy(store, embedder, cfg.Embedding.OutputDim)
	shadow := impl.NewOdlShadowRescueStrategy(store, &cfg.Search)
	graph := impl.NewGraphTraverseStrategy(store, embedder, conceptExtractor, cacheService, &cfg.Graph, cfg.Embedding.OutputDim)
	externalKB := impl.NewExternalKBStrategy(store, &cfg.ExternalKB)

	orchestrator := impl.NewSearchOrchestrator(
		store, cacheService, &cfg.Search, &cfg.Perf,
		exact, lemma, semantic, shadow, expander, spell,
	)
	assembler := impl.NewContextAssembler(store, orchestrator, graph, externalKB, classifier, llmClient, cacheService, cfg)
	answerEngine := impl.NewAnswerEngine(store, assembler, llmClient, cfg)

	searchHandlers := handlers.NewSearchHandlers(orchestrator, answerEngine)

	router := setupRouter(searchHandlers, cfg)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.Printf("TomeHub server starting on %s", cfg.GetServerAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	return db, nil
}

func setupRouter(searchHandlers *handlers.SearchHandlers, cfg *config.Config) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Auth.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"service":   "tomehub",
		})
	})

	v1 := router.Group("/api/v1")

	jwtValidator := auth.NewJWTValidator(cfg.Auth.JWTSecret, nil)
	v1.Use(authMiddleware(jwtValidator))

	v1.POST("/search", searchHandlers.Search)
	v1.POST("/answer", searchHandlers.GenerateAnswer)

	return router
}

func authMiddleware(validator *auth.JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(authHeader)
		if err != nil {
			log.Printf("Token validation failed: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", validator.UserID(claims))
		c.Set("user_email", claims.Email)
		c.Next()
	}
}
