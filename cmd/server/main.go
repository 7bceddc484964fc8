// Package main runs the MohLive signaling relay with WebSocket and graceful
// shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MohLeCodeur/mohlive/config"
	"github.com/MohLeCodeur/mohlive/internal/middleware"
	"github.com/MohLeCodeur/mohlive/internal/realtime"
	"github.com/MohLeCodeur/mohlive/pkg/redis"
	"github.com/MohLeCodeur/mohlive/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	var events realtime.EventPublisher
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		cancel()
		if err != nil {
			logger.Warn("redis event mirror disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			events = realtime.NewRedisEvents(rdb.Client, logger)
		}
	}

	hub := realtime.NewHub(logger, events)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		st := hub.Status()
		broadcaster := "inactive"
		if st.BroadcasterActive {
			broadcaster = "active"
		}
		response.OK(c, gin.H{
			"status":      "ok",
			"broadcaster": broadcaster,
			"viewers":     st.ViewerCount,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/status", func(c *gin.Context) {
		st := hub.Status()
		response.OK(c, st)
	})
	router.GET("/ws", realtime.ServeWS(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("relay stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
