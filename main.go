package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"convo-service/internal/auth"
	"convo-service/internal/db"
	"convo-service/internal/engine"
	"convo-service/internal/handlers"
	"convo-service/internal/middleware"
	"convo-service/internal/observability"
	"convo-service/internal/presence"
	"convo-service/internal/rabbitmq"
	"convo-service/internal/revision"
	"convo-service/internal/store"
	"convo-service/internal/telemetry"
	"convo-service/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, "convo-service", os.Getenv("OTLP_ENDPOINT"))
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	database, err := db.Connect()
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(os.Getenv("AMQP_URL"), getEnv("AMQP_EXCHANGE", "convo.events"))
	defer publisher.Close()
	log.Printf("event publisher mode=%s", rabbitmq.PublisherMode(publisher))

	audit := telemetry.NewAuditEmitter(publisher, getEnv("AUDIT_ROUTING_KEY", "convo.audit"),
		"convo-service", getEnv("ENVIRONMENT", "development"))

	convoRepo := store.NewConversationRepo(database)
	messageRepo := store.NewMessageRepo(database)
	logRepo := store.NewLogRepo(database)
	presenceRepo := store.NewPresenceRepo(database)

	hub := ws.NewHub(publisher)
	go hub.RunSweeper(ctx)

	clock := revision.New()
	eng := engine.New(convoRepo, messageRepo, logRepo, presenceRepo, clock, hub)
	coordinator := presence.NewCoordinator(presenceRepo)

	authenticator := auth.NewJWTAuthenticator(getEnv("AUTH_SECRET", "dev-secret"))
	limiter := ws.NewFailureLimiter()
	gateway := ws.NewGateway(hub, eng, coordinator, authenticator, limiter, audit)

	convoHandler := handlers.NewConvoHandler(eng, audit)
	presenceHandler := handlers.NewPresenceHandler(coordinator)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware("convo-service"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(authenticator)

	router.GET("/convos", authMiddleware, convoHandler.ListConvos)
	router.POST("/convos", authMiddleware, convoHandler.StartConvo)
	router.GET("/convos/log", authMiddleware, convoHandler.SyncLog)
	router.GET("/convos/:convo_id/messages", authMiddleware, convoHandler.ListMessages)
	router.POST("/convos/:convo_id/messages", authMiddleware, convoHandler.PostMessage)
	router.DELETE("/convos/:convo_id/messages/:message_id", authMiddleware, convoHandler.DeleteMessage)
	router.POST("/convos/:convo_id/messages/:message_id/reactions", authMiddleware, convoHandler.AddReaction)
	router.DELETE("/convos/:convo_id/messages/:message_id/reactions", authMiddleware, convoHandler.RemoveReaction)
	router.POST("/convos/:convo_id/messages/:message_id/delivered", authMiddleware, convoHandler.MarkDelivered)
	router.POST("/convos/:convo_id/messages/:message_id/read", authMiddleware, convoHandler.MarkMessageRead)
	router.GET("/convos/:convo_id/messages/:message_id/status", authMiddleware, convoHandler.GetMessageStatus)
	router.POST("/convos/:convo_id/read", authMiddleware, convoHandler.MarkConvoRead)
	router.POST("/convos/:convo_id/status", authMiddleware, convoHandler.SetStatus)
	router.POST("/convos/:convo_id/mute", authMiddleware, convoHandler.Mute)

	router.POST("/presence", authMiddleware, presenceHandler.UpdatePresence)
	router.POST("/presence/batch", authMiddleware, presenceHandler.BatchPresence)
	router.GET("/privacy", authMiddleware, presenceHandler.GetPrivacy)
	router.PUT("/privacy", authMiddleware, presenceHandler.PutPrivacy)

	router.GET("/ws", gateway.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	handlers.RegisterDebugRoutes(router, audit, os.Getenv("DEBUG_ROUTES") == "true")

	port := getEnv("PORT", "8086")
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
