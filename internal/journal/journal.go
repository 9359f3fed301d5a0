package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Journal is the correlation-enforcing audit trail of significant order events
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJournal creates a trade journal over an already migrated database
func NewJournal(db *gorm.DB) *Journal {
	return &Journal{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Record validates and appends an entry. Entries missing trade_id or
// internal_order_id are rejected with a ValidationError.
func (j *Journal) Record(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return types.NewValidationError("entry", "is required")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = j.now()
	}
	entry.ID = 0

	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		log.Error().
			Err(err).
			Str("service", "journal").
			Str("trade_id", entry.TradeID).
			Str("internal_order_id", entry.InternalOrderID).
			Msg("failed to record journal entry")
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// RecordFill journals a broker fill under the given trade id.
func (j *Journal) RecordFill(ctx context.Context, fill types.Fill, tradeID, strategy string) error {
	return j.Record(ctx, FillEntry(fill, tradeID, strategy))
}

// FillEntry builds the journal entry for a fill without recording it.
func FillEntry(fill types.Fill, tradeID, strategy string) *Entry {
	return &Entry{
		EventType:       EventFill,
		TradeID:         tradeID,
		InternalOrderID: fill.InternalOrderID,
		BrokerOrderID:   fill.BrokerOrderID,
		Symbol:          fill.Symbol,
		Side:            fill.Side,
		Quantity:        fill.Quantity,
		Price:           fill.Price,
		Strategy:        strategy,
		RecordedAt:      fill.FilledAt,
	}
}

// ByTradeID returns all entries correlated to a trade, oldest first
func (j *Journal) ByTradeID(ctx context.Context, tradeID string) ([]Entry, error) {
	var entries []Entry
	if err := j.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch journal entries: %w", err)
	}
	return entries, nil
}

// ByOrderID returns all entries for one internal order id, oldest first
func (j *Journal) ByOrderID(ctx context.Context, internalOrderID string) ([]Entry, error) {
	var entries []Entry
	if err := j.db.WithContext(ctx).
		Where("internal_order_id = ?", internalOrderID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch journal entries: %w", err)
	}
	return entries, nil
}

// NetPositions sums journaled fills into a signed quantity per symbol
func (j *Journal) NetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	var fills []Entry
	if err := j.db.WithContext(ctx).
		Where("event_type = ?", EventFill).
		Order("id ASC").
		Find(&fills).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch fills for netting: %w", err)
	}

	net := make(map[string]decimal.Decimal)
	for _, f := range fills {
		qty := f.Quantity
		if f.Side == types.SideSell {
			qty = qty.Neg()
		}
		net[f.Symbol] = net[f.Symbol].Add(qty)
	}
	return net, nil
}

// Exposure is a symbol's journaled position and the realized profit and
// loss of fills recorded at or after since.
type Exposure struct {
	Position    decimal.Decimal `json:"position"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// ExposureSince replays journaled fills with average-cost accounting. The
// position is for symbol; realized PnL is summed over every symbol, since
// a daily loss limit applies to the whole book.
func (j *Journal) ExposureSince(ctx context.Context, symbol string, since time.Time) (Exposure, error) {
	var fills []Entry
	if err := j.db.WithContext(ctx).
		Where("event_type = ?", EventFill).
		Order("id ASC").
		Find(&fills).Error; err != nil {
		return Exposure{}, fmt.Errorf("failed to fetch fills for exposure: %w", err)
	}

	type book struct {
		qty  decimal.Decimal
		cost decimal.Decimal
	}
	books := make(map[string]*book)
	var out Exposure
	for _, f := range fills {
		b, ok := books[f.Symbol]
		if !ok {
			b = &book{}
			books[f.Symbol] = b
		}
		signed := f.Quantity
		if f.Side == types.SideSell {
			signed = signed.Neg()
		}

		realized := decimal.Zero
		switch {
		case b.qty.IsZero() || b.qty.Sign() == signed.Sign():
			total := b.qty.Add(signed)
			b.cost = b.cost.Mul(b.qty.Abs()).Add(f.Price.Mul(f.Quantity)).Div(total.Abs())
			b.qty = total
		default:
			closed := decimal.Min(f.Quantity, b.qty.Abs())
			pnl := f.Price.Sub(b.cost).Mul(closed)
			if b.qty.IsNegative() {
				pnl = pnl.Neg()
			}
			realized = pnl
			b.qty = b.qty.Add(signed)
			switch {
			case b.qty.IsZero():
				b.cost = decimal.Zero
			case b.qty.Sign() == signed.Sign():
				// flipped through flat; the remainder opened at this price
				b.cost = f.Price
			}
		}
		if !f.RecordedAt.Before(since) {
			out.RealizedPnL = out.RealizedPnL.Add(realized)
		}
	}
	if b, ok := books[symbol]; ok {
		out.Position = b.qty
	}
	return out, nil
}

// GinHandlers contains HTTP handlers for journal endpoints
type GinHandlers struct {
	journal *Journal
}

// NewGinHandlers creates a new set of HTTP handlers for journal endpoints
func NewGinHandlers(journal *Journal) *GinHandlers {
	return &GinHandlers{
		journal: journal,
	}
}

// GetTradeHandler handles GET requests for the audit trail of a trade
// URL parameter: trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")
		if tradeID == "" {
			response.BadRequest(c, "Trade ID is required")
			return
		}

		entries, err := h.journal.ByTradeID(c.Request.Context(), tradeID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if len(entries) == 0 {
			response.NotFound(c, "Trade not found")
			return
		}

		response.Success(c, entries)
	}
}
