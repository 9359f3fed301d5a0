package migrations

import (
	"github.com/ksred/klear-exec/internal/reconcile"
	"gorm.io/gorm"
)

// AddReconcileRuns creates the reconciliation history table
func AddReconcileRuns(db *gorm.DB) error {
	if err := db.AutoMigrate(&reconcile.Run{}); err != nil {
		return err
	}

	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_reconcile_runs_status
		ON reconcile_runs(status, created_at)`).Error
}
