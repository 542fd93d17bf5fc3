package service

import (
	"time"

	"github.com/tmarchal/bourse/server/internal/model"
	"github.com/tmarchal/bourse/server/internal/repository"
)

const defaultLimit = 200

type StockService struct {
	repo repository.StockRepository
}

func NewStockService(repo repository.StockRepository) *StockService {
	return &StockService{
		repo: repo,
	}
}

func (s *StockService) GetMarkets() ([]model.Market, error) {
	return s.repo.GetMarkets()
}

func (s *StockService) GetCompanies(search string) ([]model.Company, error) {
	if search != "" {
		return s.repo.SearchCompanies(search, defaultLimit)
	}
	return s.repo.GetCompanies(defaultLimit)
}

func (s *StockService) GetStocks(cid int16, from, to time.Time) ([]model.Stock, error) {
	return s.repo.GetStocks(cid, from, to)
}

func (s *StockService) GetDayStocks(cid int16, from, to time.Time) ([]model.DayStock, error) {
	return s.repo.GetDayStocks(cid, from, to)
}
