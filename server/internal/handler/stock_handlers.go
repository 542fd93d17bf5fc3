package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tmarchal/bourse/server/internal/service"
)

type StockHandler struct {
	stockService *service.StockService
}

func NewStockHandler(service *service.StockService) *StockHandler {
	return &StockHandler{
		stockService: service,
	}
}

func (h *StockHandler) GetMarkets(c *gin.Context) {
	markets, err := h.stockService.GetMarkets()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, markets)
}

func (h *StockHandler) GetCompanies(c *gin.Context) {
	companies, err := h.stockService.GetCompanies(c.Query("search"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, companies)
}

func (h *StockHandler) GetStocks(c *gin.Context) {
	cid, from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	stocks, err := h.stockService.GetStocks(cid, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stocks)
}

func (h *StockHandler) GetDayStocks(c *gin.Context) {
	cid, from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	days, err := h.stockService.GetDayStocks(cid, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, days)
}

// rangeParams parses the cid/from/to query triple shared by the stocks
// and daystocks endpoints. The upper bound is exclusive.
func rangeParams(c *gin.Context) (int16, time.Time, time.Time, bool) {
	cid64, err := strconv.ParseInt(c.Query("cid"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cid"})
		return 0, time.Time{}, time.Time{}, false
	}

	from, err := time.Parse("2006-01-02", c.DefaultQuery("from", "1970-01-01"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
		return 0, time.Time{}, time.Time{}, false
	}

	to := time.Now().AddDate(0, 0, 1)
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
			return 0, time.Time{}, time.Time{}, false
		}
		to = parsed.AddDate(0, 0, 1)
	}

	return int16(cid64), from, to, true
}
