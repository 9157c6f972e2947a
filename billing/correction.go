package billing

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

const correctionBatchSize = 500

// ErrUnknownModel rejects a correction for a model the ledger has never
// recorded.
var ErrUnknownModel = errors.New("billing: no usage records for model")

// CorrectionReport summarises a pricing correction pass over the ledger.
type CorrectionReport struct {
	Model         string  `json:"model"`
	AffectedCount int64   `json:"affected_count"`
	TotalOldCost  float64 `json:"total_old_cost"`
	TotalNewCost  float64 `json:"total_new_cost"`
	TotalCostDiff float64 `json:"total_cost_diff"`
	DryRun        bool    `json:"dry_run"`
}

// CorrectPricing recomputes the cost of every usage record for the given
// model at the corrected rates, from the token counts stored on each row.
// With dryRun set it only reports what would change. Because cost is
// recomputed rather than incremented, re-running an applied correction is
// a no-op.
//
// This is the administrative remedy for the class of bug where a rate was
// entered wrong (a real case: an output rate 10x too low) and historical
// rows were booked at it.
func (l *Ledger) CorrectPricing(ctx context.Context, model string, corrected ModelPrice, dryRun bool) (CorrectionReport, error) {
	if l == nil || l.db == nil {
		return CorrectionReport{}, errors.New("billing: ledger not initialized")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return CorrectionReport{}, errors.New("billing: model is required")
	}

	report := CorrectionReport{Model: model, DryRun: dryRun}

	var batch []UsageRecord
	err := l.db.WithContext(ctx).
		Where("model = ?", model).
		FindInBatches(&batch, correctionBatchSize, func(tx *gorm.DB, _ int) error {
			for _, record := range batch {
				newCost := costAt(corrected,
					int(record.InputTokens),
					int(record.OutputTokens),
					int(record.ReasoningTokens),
					int(record.CachedTokens),
				)

				report.AffectedCount++
				report.TotalOldCost += record.Cost
				report.TotalNewCost += newCost

				if dryRun || record.Cost == newCost {
					continue
				}
				if err := l.db.WithContext(ctx).
					Model(&UsageRecord{}).
					Where("id = ?", record.ID).
					Update("cost", newCost).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
	if err != nil {
		return CorrectionReport{}, err
	}

	if report.AffectedCount == 0 {
		return CorrectionReport{}, ErrUnknownModel
	}

	report.TotalCostDiff = report.TotalNewCost - report.TotalOldCost
	return report, nil
}
