// Package txlog is the append-only transaction log every order-lifecycle
// event is written to before it is trusted as having happened. Replaying it
// from the start rebuilds order state and the engine's duplicate guard after
// a restart.
package txlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const replayBatchSize = 500

// Log appends and replays transaction log entries.
type Log struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a transaction log over an already migrated database.
func New(db *gorm.DB) *Log {
	return &Log{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Append validates and durably persists entry. On success entry.Seq holds
// the assigned sequence number. A storage failure is always returned.
func (l *Log) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return types.NewValidationError("entry", "is required")
	}
	if strings.TrimSpace(entry.InternalOrderID) == "" {
		return types.NewValidationError("internal_order_id", "is required")
	}
	if !entry.EventType.Valid() {
		return types.NewValidationError("event_type", fmt.Sprintf("%q is unknown", entry.EventType))
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = l.now()
	}
	entry.Seq = 0

	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		log.Error().
			Err(err).
			Str("component", "txlog").
			Str("event_type", string(entry.EventType)).
			Str("internal_order_id", entry.InternalOrderID).
			Msg("failed to append transaction log entry")
		return fmt.Errorf("append %s for %s: %w", entry.EventType, entry.InternalOrderID, err)
	}

	log.Debug().
		Str("component", "txlog").
		Uint64("seq", entry.Seq).
		Str("event_type", string(entry.EventType)).
		Str("internal_order_id", entry.InternalOrderID).
		Str("trade_id", entry.TradeID).
		Msg("appended transaction log entry")
	return nil
}

// ReadAll streams every entry to fn in append order. Entries are loaded in
// batches, so the whole log is never held in memory. Each call starts from
// the first entry; an error from fn stops the replay and is returned.
func (l *Log) ReadAll(ctx context.Context, fn func(Entry) error) error {
	if fn == nil {
		return errors.New("txlog: replay callback is nil")
	}
	var batch []Entry
	result := l.db.WithContext(ctx).FindInBatches(&batch, replayBatchSize, func(tx *gorm.DB, _ int) error {
		for _, entry := range batch {
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}

// ReadOrder returns the history of one order in append order.
func (l *Log) ReadOrder(ctx context.Context, internalOrderID string) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("internal_order_id = ?", internalOrderID).
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read order history: %w", err)
	}
	return entries, nil
}

// Correlation returns the most recent trade and broker ids recorded for an
// order. Empty strings mean the log never saw them.
func (l *Log) Correlation(ctx context.Context, internalOrderID string) (tradeID, brokerOrderID string, err error) {
	entries, err := l.ReadOrder(ctx, internalOrderID)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		if e.TradeID != "" {
			tradeID = e.TradeID
		}
		if e.BrokerOrderID != "" {
			brokerOrderID = e.BrokerOrderID
		}
	}
	return tradeID, brokerOrderID, nil
}

// Count returns the number of entries in the log.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.WithContext(ctx).Model(&Entry{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
