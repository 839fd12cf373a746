package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/config"
	"github.com/imrishuroy/go-vote-payouts/internal/handlers"
	"github.com/imrishuroy/go-vote-payouts/internal/logging"
)

func setupRouter(cfg handlers.HandlerConfig, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	// ClientIP is the socket peer, or the API Gateway source IP on Lambda;
	// X-Forwarded-For is client controlled and feeds the per-IP vote limit
	if err := r.SetTrustedProxies(nil); err != nil {
		logger.Fatal().Err(err).Msg("trusted proxies")
	}
	r.Use(gin.Recovery(), handlers.CORS(), handlers.RequestLogger(logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.RequireQueue(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("component", "api").Logger()

	ctx := context.Background()
	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire application")
	}
	defer app.Close()

	if !cfg.RunLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	r := setupRouter(handlers.HandlerConfig{
		Service:   app.Service,
		ClientKey: cfg.CircleClientKey,
		Logger:    logger,
	}, logger)

	// if RUN_LOCAL=true, run a local HTTP server for development.
	if cfg.RunLocal {
		runLocal(r, app, cfg.Port, logger)
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func runLocal(r *gin.Engine, app *application, port string, logger zerolog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("running local server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("local server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	// let in-process payouts finish so none is left pending
	app.WaitPayouts()
	logger.Info().Msg("server stopped")
}
