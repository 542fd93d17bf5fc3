package repository

import (
	"time"

	"github.com/tmarchal/bourse/server/internal/model"
	"gorm.io/gorm"
)

type StockRepository interface {
	GetMarkets() ([]model.Market, error)
	GetCompanies(limit int) ([]model.Company, error)
	SearchCompanies(name string, limit int) ([]model.Company, error)
	GetStocks(cid int16, from, to time.Time) ([]model.Stock, error)
	GetDayStocks(cid int16, from, to time.Time) ([]model.DayStock, error)
}

type gormStockRepository struct {
	db *gorm.DB
}

func NewGormStockRepository(db *gorm.DB) StockRepository {
	return &gormStockRepository{db: db}
}

func (r *gormStockRepository) GetMarkets() ([]model.Market, error) {
	var markets []model.Market
	err := r.db.Order("id").Find(&markets).Error
	return markets, err
}

func (r *gormStockRepository) GetCompanies(limit int) ([]model.Company, error) {
	var cs []model.Company
	err := r.db.Order("id").Limit(limit).Find(&cs).Error
	return cs, err
}

// SearchCompanies tries match strategies in decreasing precision and
// returns the first non-empty result:
//
//  1. exact name
//  2. case-insensitive exact name
//  3. name prefix
//  4. name substring, case-insensitive
func (r *gormStockRepository) SearchCompanies(name string, limit int) ([]model.Company, error) {
	strategies := []struct {
		query string
		arg   string
	}{
		{"name = ?", name},
		{"LOWER(name) = LOWER(?)", name},
		{"name LIKE ?", name + "%"},
		{"LOWER(name) LIKE LOWER(?)", "%" + name + "%"},
	}

	for _, s := range strategies {
		var cs []model.Company
		err := r.db.Where(s.query, s.arg).Order("id").Limit(limit).Find(&cs).Error
		if err != nil {
			return nil, err
		}
		if len(cs) > 0 {
			return cs, nil
		}
	}
	return []model.Company{}, nil
}

func (r *gormStockRepository) GetStocks(cid int16, from, to time.Time) ([]model.Stock, error) {
	var stocks []model.Stock
	err := r.db.
		Where("cid = ? AND date >= ? AND date < ?", cid, from, to).
		Order("date").
		Find(&stocks).Error
	return stocks, err
}

func (r *gormStockRepository) GetDayStocks(cid int16, from, to time.Time) ([]model.DayStock, error) {
	var days []model.DayStock
	err := r.db.
		Where("cid = ? AND date >= ? AND date < ?", cid, from, to).
		Order("date").
		Find(&days).Error
	return days, err
}
