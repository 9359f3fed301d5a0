package migrations

import (
	"github.com/ksred/klear-exec/internal/journal"
	"gorm.io/gorm"
)

// AddTradeJournal creates the audit journal table and required indexes
func AddTradeJournal(db *gorm.DB) error {
	if err := db.AutoMigrate(&journal.Entry{}); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_journal_trade_id
		 ON trade_journal_entries(trade_id)`,

		`CREATE INDEX IF NOT EXISTS idx_journal_order_id
		 ON trade_journal_entries(internal_order_id)`,

		// Fill scans for position reconciliation
		`CREATE INDEX IF NOT EXISTS idx_journal_event_symbol
		 ON trade_journal_entries(event_type, symbol)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
