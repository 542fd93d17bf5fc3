package router

import (
	"github.com/gin-gonic/gin"
	"github.com/tmarchal/bourse/server/internal/handler"
)

func registerStockRoutes(router *gin.RouterGroup, stockHandler *handler.StockHandler) {
	router.GET("/markets", stockHandler.GetMarkets)
	router.GET("/companies", stockHandler.GetCompanies)
	router.GET("/stocks", stockHandler.GetStocks)
	router.GET("/daystocks", stockHandler.GetDayStocks)
}
