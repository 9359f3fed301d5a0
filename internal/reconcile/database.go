package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveRun stores the report summary with the full report as JSON
func (d *Database) SaveRun(ctx context.Context, r *Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reconcile report: %w", err)
	}
	run := &Run{
		RunID:         r.RunID,
		Status:        r.Status,
		LocalOpen:     r.LocalOpen,
		BrokerOpen:    r.BrokerOpen,
		OrderDrifts:   len(r.OrderDrift),
		PositionDrift: len(r.PositionDrift),
		Report:        string(raw),
		CreatedAt:     r.StartedAt,
	}
	return d.db.WithContext(ctx).Create(run).Error
}

// LatestReport returns the most recent stored report
func (d *Database) LatestReport(ctx context.Context) (*Report, error) {
	var run Run
	if err := d.db.WithContext(ctx).Order("id DESC").First(&run).Error; err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal([]byte(run.Report), &r); err != nil {
		return nil, fmt.Errorf("failed to decode reconcile report %s: %w", run.RunID, err)
	}
	return &r, nil
}

// ListRuns returns the most recent run summaries, newest first
func (d *Database) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := d.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reconcile runs: %w", err)
	}
	return runs, nil
}
