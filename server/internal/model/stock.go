package model

import "time"

type Market struct {
	ID    int16  `gorm:"column:id;primaryKey" json:"id"`
	Name  string `gorm:"column:name" json:"name"`
	Alias string `gorm:"column:alias" json:"alias"`
}

func (Market) TableName() string {
	return "markets"
}

type Company struct {
	ID     int16  `gorm:"column:id;primaryKey" json:"id"`
	Name   string `gorm:"column:name" json:"name"`
	Ticker string `gorm:"column:ticker" json:"ticker"`
	MID    int16  `gorm:"column:mid" json:"mid"`
	Symbol string `gorm:"column:symbol" json:"symbol"`
	PEA    bool   `gorm:"column:pea" json:"pea"`
}

func (Company) TableName() string {
	return "companies"
}

// Stock is one per-minute bar of the stocks hypertable.
type Stock struct {
	Date   time.Time `gorm:"column:date" json:"date"`
	CID    *int16    `gorm:"column:cid" json:"cid"`
	Value  float32   `gorm:"column:value" json:"value"`
	Volume int64     `gorm:"column:volume" json:"volume"`
}

func (Stock) TableName() string {
	return "stocks"
}

// DayStock is one daily OHLC row of the daystocks hypertable.
type DayStock struct {
	Date   time.Time `gorm:"column:date" json:"date"`
	CID    *int16    `gorm:"column:cid" json:"cid"`
	Open   float32   `gorm:"column:open" json:"open"`
	Close  float32   `gorm:"column:close" json:"close"`
	High   float32   `gorm:"column:high" json:"high"`
	Low    float32   `gorm:"column:low" json:"low"`
	Volume int64     `gorm:"column:volume" json:"volume"`
	Mean   float32   `gorm:"column:mean" json:"mean"`
	Std    float32   `gorm:"column:std" json:"std"`
}

func (DayStock) TableName() string {
	return "daystocks"
}
