package offers

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// FilterField enumerates the closed set of offer list filters. Queries are
// built through this dispatch table only; there is no free-form filtering.
type FilterField int

const (
	FilterStatus FilterField = iota
	FilterTradeType
	FilterCryptoCurrency
	FilterFiatCurrency
	FilterPaymentMethod
	FilterStartDate
	FilterEndDate
)

// Filters maps filter fields to their raw values. Empty values are ignored.
type Filters map[FilterField]string

var offerFilterFuncs = map[FilterField]func(*gorm.DB, string) *gorm.DB{
	FilterStatus: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("status = ?", strings.ToUpper(v))
	},
	FilterTradeType: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("trade_type = ?", strings.ToUpper(v))
	},
	FilterCryptoCurrency: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("crypto_currency = ?", strings.ToUpper(v))
	},
	FilterFiatCurrency: func(q *gorm.DB, v string) *gorm.DB {
		return q.Where("fiat_currency = ?", strings.ToUpper(v))
	},
	FilterPaymentMethod: func(q *gorm.DB, v string) *gorm.DB {
		// PaymentMethodIDs is a JSON text column; ids are opaque tokens so a
		// quoted substring match is exact.
		return q.Where("payment_method_ids LIKE ?", `%"`+v+`"%`)
	},
	FilterStartDate: func(q *gorm.DB, v string) *gorm.DB {
		if d, ok := parseDate(v, false); ok {
			return q.Where("created_at >= ?", d)
		}
		return q
	},
	FilterEndDate: func(q *gorm.DB, v string) *gorm.DB {
		if d, ok := parseDate(v, true); ok {
			return q.Where("created_at <= ?", d)
		}
		return q
	},
}

func applyFilters(q *gorm.DB, filters Filters) *gorm.DB {
	for field, value := range filters {
		if value == "" {
			continue
		}
		if fn, ok := offerFilterFuncs[field]; ok {
			q = fn(q, value)
		}
	}
	return q
}

func parseDate(s string, endOfDay bool) (time.Time, bool) {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Second)
	}
	return d, true
}

