package main

import (
	"fmt"
	"log"

	"github.com/tmarchal/bourse/server/config"
	"github.com/tmarchal/bourse/server/internal/handler"
	"github.com/tmarchal/bourse/server/internal/repository"
	"github.com/tmarchal/bourse/server/internal/router"
	"github.com/tmarchal/bourse/server/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	stockRepo := repository.NewGormStockRepository(db)
	stockService := service.NewStockService(stockRepo)
	stockHandler := handler.NewStockHandler(stockService)

	routerConfig := &router.Config{
		StockHandler:      stockHandler,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}

	router := router.NewRouter(routerConfig)

	if err := router.Run(fmt.Sprintf(":%s", cfg.ServerPort)); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
