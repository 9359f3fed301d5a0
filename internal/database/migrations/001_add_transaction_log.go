package migrations

import (
	"github.com/ksred/klear-exec/internal/txlog"
	"gorm.io/gorm"
)

// AddTransactionLog creates the transaction log table and its replay indexes
func AddTransactionLog(db *gorm.DB) error {
	if err := db.AutoMigrate(&txlog.Entry{}); err != nil {
		return err
	}

	indexes := []string{
		// Per-order history lookups
		`CREATE INDEX IF NOT EXISTS idx_txlog_order_seq
		 ON transaction_log_entries(internal_order_id, seq)`,

		// Correlation lookups
		`CREATE INDEX IF NOT EXISTS idx_txlog_trade_id
		 ON transaction_log_entries(trade_id)`,

		`CREATE INDEX IF NOT EXISTS idx_txlog_event_type
		 ON transaction_log_entries(event_type)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
