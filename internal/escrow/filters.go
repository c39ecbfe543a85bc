package escrow

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// OrderFilterField enumerates the closed set of order listing filters.
type OrderFilterField int

const (
	FilterCoin OrderFilterField = iota
	FilterTradeType
	FilterFiatCurrency
	FilterOrderNumber
	FilterStartDate
	FilterEndDate
)

// OrderFilters maps filter fields to raw values. Empty values are ignored.
type OrderFilters map[OrderFilterField]string

var orderFilterFuncs = map[OrderFilterField]func(*gorm.DB, string) *gorm.DB{
	FilterCoin: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("crypto_currency = ?", strings.ToUpper(v))
	},
	FilterTradeType: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("trade_type = ?", strings.ToUpper(v))
	},
	FilterFiatCurrency: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("fiat_currency = ?", strings.ToUpper(v))
	},
	FilterOrderNumber: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("order_number LIKE ?", "%"+v+"%")
	},
	FilterStartDate: func(q *gorm.DB, v string) *gorm.DB {
		if d, err := time.Parse("2006-01-02", v); err == nil {
			return q.Where("created_at >= ?", d)
		}
		return q
	},
	FilterEndDate: func(q *gorm.DB, v string) *gorm.DB {
		if d, err := time.Parse("2006-01-02", v); err == nil {
			return q.Where("created_at <= ?", d.Add(24*time.Hour-time.Second))
		}
		return q
	},
}

func applyOrderFilters(q *gorm.DB, filters OrderFilters) *gorm.DB {
	for field, value := range filters {
		if value == "" {
			continue
		}
		if fn, ok := orderFilterFuncs[field]; ok {
			q = fn(q, value)
		}
	}
	return q
}
