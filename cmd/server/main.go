package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/api"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/gateway"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/sync"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync engine")

	st, err := store.NewSQLStore(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to init store", zap.Error(err))
	}

	gw := gateway.NewHTTPGateway(cfg.Remote)

	engine := sync.NewManager(cfg, st, gw, nil)
	if err := engine.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync engine", zap.Error(err))
	}
	defer engine.Close()

	handler := api.NewHandler(engine)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Control API listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	server.Close()
	engine.Stop()
}
