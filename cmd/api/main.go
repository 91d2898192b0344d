package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempokit/internal/bootstrap"
	"github.com/imrishuroy/go-idempokit/internal/config"
	"github.com/imrishuroy/go-idempokit/internal/handlers"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	handlers.RegisterPaymentsRoutes(r, cfg)

	return r
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("load config failed", "module", "api", "layer", "main", "error", err)
		os.Exit(1)
	}

	rt, err := bootstrap.New(ctx, cfg, bootstrap.WithLogger(logger))
	if err != nil {
		logger.Error("bootstrap failed", "module", "api", "layer", "main", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "module", "api", "layer", "main", "error", err)
		}
	}()

	go rt.Engine.RunReaper(ctx, cfg.ReapInterval)

	r := setupRouter(handlers.HandlerConfig{
		Engine:    rt.Engine,
		Processor: rt.Processor,
		Logger:    logger,
	})

	// if RUN_LOCAL is set, run a local HTTP server for development.
	if cfg.RunLocal {
		addr := ":" + strconv.Itoa(cfg.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("listen failed", "module", "api", "layer", "main", "addr", addr, "error", err)
			return
		}
		logger.Info("running local server", "module", "api", "layer", "main", "addr", addr, "adapter", cfg.Adapter)
		if err := serveLocal(ctx, ln, r); err != nil {
			logger.Error("local server failed", "module", "api", "layer", "main", "error", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.StartWithOptions(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	}, lambda.WithEnableSIGTERM(stop))
}

// serveLocal serves handler on ln until ctx is done, then drains in-flight
// requests so deferred cleanup runs before the process exits.
func serveLocal(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
