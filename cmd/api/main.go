package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peerfund.app/internal/api"
	"peerfund.app/internal/audit"
	"peerfund.app/internal/config"
	"peerfund.app/internal/db"
	"peerfund.app/internal/gateway"
	"peerfund.app/internal/lending"
	"peerfund.app/internal/scheduler"
	"peerfund.app/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool)
	writer := audit.NewWriter(st, logger)
	defer writer.Close()

	gw := gateway.NewRESTClient(cfg.GatewayBaseURL, cfg.GatewaySecret)
	svc := lending.NewService(st, gw, writer, logger, cfg.FeeRates, cfg.PlatformUserID)
	autopay := scheduler.New(svc, logger, cfg.AutopayInterval)
	go autopay.Run(ctx)

	srv := api.NewServer(st, svc, autopay, cfg.AuthToken, cfg.GatewayWebhookSecret, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
