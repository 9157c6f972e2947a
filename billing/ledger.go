package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const tokensPerMillion = 1e6

// Usage carries the token counts of one completed generation.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	CachedTokens    int
}

// UsageRecord is the aggregate ledger row keyed by (user, day, model).
// Rows are created lazily on first use of a key and updated additively
// afterwards; only the correction pass ever rewrites cost retroactively.
type UsageRecord struct {
	ID              uint64    `gorm:"primaryKey"`
	UserID          uint64    `gorm:"column:user_id;uniqueIndex:idx_usage_user_day_model,priority:1;not null"`
	Day             string    `gorm:"column:day;size:10;uniqueIndex:idx_usage_user_day_model,priority:2;not null"`
	Model           string    `gorm:"column:model;size:128;uniqueIndex:idx_usage_user_day_model,priority:3;not null"`
	InputTokens     int64     `gorm:"column:input_tokens;not null;default:0"`
	OutputTokens    int64     `gorm:"column:output_tokens;not null;default:0"`
	ReasoningTokens int64     `gorm:"column:reasoning_tokens;not null;default:0"`
	CachedTokens    int64     `gorm:"column:cached_tokens;not null;default:0"`
	Cost            float64   `gorm:"column:cost;not null;default:0"`
	RequestCount    int64     `gorm:"column:request_count;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// Ledger books completed generations into usage records and derives cost
// from the injected price table.
type Ledger struct {
	db     *gorm.DB
	prices *PriceTable
}

// NewLedger wires a ledger around the database and price table.
func NewLedger(db *gorm.DB, prices *PriceTable) *Ledger {
	return &Ledger{db: db, prices: prices}
}

// Cost derives the USD cost of the given usage. Unknown models cost zero;
// their token counts are still recorded for audit.
func (l *Ledger) Cost(model string, usage Usage) float64 {
	price, ok := l.prices.Lookup(model)
	if !ok {
		return 0
	}
	return costAt(price, usage.InputTokens, usage.OutputTokens, usage.ReasoningTokens, usage.CachedTokens)
}

func costAt(price ModelPrice, inputTokens, outputTokens, reasoningTokens, cachedTokens int) float64 {
	cost := float64(inputTokens)/tokensPerMillion*price.Input +
		float64(outputTokens)/tokensPerMillion*price.Output
	if price.Cached > 0 && cachedTokens > 0 {
		cost += float64(cachedTokens) / tokensPerMillion * price.Cached
	}
	if price.Reasoning > 0 && reasoningTokens > 0 {
		cost += float64(reasoningTokens) / tokensPerMillion * price.Reasoning
	}
	return cost
}

// Record books one completed generation onto the caller's (user, day,
// model) aggregate: additive token and cost columns plus a request count.
// Called exactly once per generation, at its complete transition.
func (l *Ledger) Record(ctx context.Context, userID uint64, model string, usage Usage) error {
	if l == nil || l.db == nil {
		return errors.New("billing: ledger not initialized")
	}

	day := time.Now().UTC().Format("2006-01-02")
	cost := l.Cost(model, usage)

	updates := map[string]any{
		"input_tokens":     gorm.Expr("input_tokens + ?", usage.InputTokens),
		"output_tokens":    gorm.Expr("output_tokens + ?", usage.OutputTokens),
		"reasoning_tokens": gorm.Expr("reasoning_tokens + ?", usage.ReasoningTokens),
		"cached_tokens":    gorm.Expr("cached_tokens + ?", usage.CachedTokens),
		"cost":             gorm.Expr("cost + ?", cost),
		"request_count":    gorm.Expr("request_count + 1"),
		"updated_at":       time.Now().UTC(),
	}

	res := l.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("user_id = ? AND day = ? AND model = ?", userID, day, model).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	record := UsageRecord{
		UserID:          userID,
		Day:             day,
		Model:           model,
		InputTokens:     int64(usage.InputTokens),
		OutputTokens:    int64(usage.OutputTokens),
		ReasoningTokens: int64(usage.ReasoningTokens),
		CachedTokens:    int64(usage.CachedTokens),
		Cost:            cost,
		RequestCount:    1,
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		// A concurrent writer created the row first; fold into it.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			retry := l.db.WithContext(ctx).
				Model(&UsageRecord{}).
				Where("user_id = ? AND day = ? AND model = ?", userID, day, model).
				Updates(updates)
			return retry.Error
		}
		return err
	}
	return nil
}

// UserRecords returns the caller's ledger rows within the inclusive day
// range; empty bounds are open-ended.
func (l *Ledger) UserRecords(ctx context.Context, userID uint64, fromDay, toDay string) ([]UsageRecord, error) {
	query := l.db.WithContext(ctx).Where("user_id = ?", userID)
	if fromDay != "" {
		query = query.Where("day >= ?", fromDay)
	}
	if toDay != "" {
		query = query.Where("day <= ?", toDay)
	}

	var records []UsageRecord
	err := query.Order("day ASC, model ASC").Find(&records).Error
	return records, err
}
