package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/skin-api/internal/cache"
	"github.com/Brownie44l1/skin-api/internal/config"
	"github.com/Brownie44l1/skin-api/internal/handlers"
	"github.com/Brownie44l1/skin-api/internal/logging"
	"github.com/Brownie44l1/skin-api/internal/model"
	"github.com/Brownie44l1/skin-api/internal/preprocess"
	"github.com/Brownie44l1/skin-api/internal/repository"
	"github.com/Brownie44l1/skin-api/internal/usecase"
)

func main() {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("loading model",
		zap.String("backbone", cfg.BackbonePath()),
		zap.String("metadata", cfg.MetadataPath()),
		zap.String("weights", cfg.WeightsPath()),
	)
	modelServer, err := model.NewServer(model.Options{
		BackbonePath:   cfg.BackbonePath(),
		MetadataPath:   cfg.MetadataPath(),
		WeightsPath:    cfg.WeightsPath(),
		OnnxLibPath:    cfg.OnnxLibPath,
		IntraOpThreads: cfg.IntraOpThreads,
	})
	if err != nil {
		logger.Fatal("failed to initialize model server", zap.Error(err))
	}
	defer func() {
		if err := modelServer.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()
	meta := modelServer.Metadata
	logger.Info("model loaded",
		zap.String("version", meta.Version),
		zap.Int("image_size", meta.ImageSize),
		zap.Strings("classes", meta.Classes),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	opts := usecase.Options{
		CacheTTL:     cfg.CacheTTL,
		ModelVersion: meta.Version,
	}
	if cfg.RedisAddr != "" {
		client, err := cache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		opts.Cache = cache.NewRedisCache(client)
		logger.Info("prediction cache enabled", zap.String("addr", cfg.RedisAddr))
	}
	if cfg.DatabaseDSN != "" {
		db, err := repository.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		repo := repository.NewPredictionRepository(db)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Repository = repo
		logger.Info("prediction history enabled")
	}

	pre := preprocess.New(meta.ImageSize, cfg.MaxImagePixels)
	uc := usecase.NewClassifyUseCase(modelServer, pre, opts, logger)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	handlers.NewHandler(uc, cfg.MaxBodyBytes, logger).RegisterRoutes(r)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("skin lesion API listening", zap.String("addr", server.Addr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
