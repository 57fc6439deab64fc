package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// CandleRepository persists instruments and candles in Postgres.
type CandleRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewCandleRepository creates a new candle repository
func NewCandleRepository(db *sqlx.DB, logger *zap.Logger) *CandleRepository {
	return &CandleRepository{db: db, logger: logger}
}

// GetOrCreateInstrument returns the instrument for (venue, symbol), creating
// it on first sight.
func (r *CandleRepository) GetOrCreateInstrument(ctx context.Context, venue, symbol, assetClass string) (*model.Instrument, error) {
	var inst model.Instrument
	err := r.db.GetContext(ctx, &inst,
		"SELECT id, venue, symbol, asset_class, created_at FROM instruments WHERE venue = $1 AND symbol = $2",
		venue, symbol)
	if err == nil {
		return &inst, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query instrument: %w", err)
	}

	err = r.db.GetContext(ctx, &inst,
		`INSERT INTO instruments (venue, symbol, asset_class, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (venue, symbol) DO UPDATE SET asset_class = EXCLUDED.asset_class
		 RETURNING id, venue, symbol, asset_class, created_at`,
		venue, symbol, assetClass)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrument: %w", err)
	}
	return &inst, nil
}

// GetInstrument retrieves an instrument by ID
func (r *CandleRepository) GetInstrument(ctx context.Context, id int) (*model.Instrument, error) {
	var inst model.Instrument
	err := r.db.GetContext(ctx, &inst,
		"SELECT id, venue, symbol, asset_class, created_at FROM instruments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return &inst, nil
}

// ListInstruments retrieves all known instruments
func (r *CandleRepository) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var out []model.Instrument
	err := r.db.SelectContext(ctx, &out,
		"SELECT id, venue, symbol, asset_class, created_at FROM instruments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	return out, nil
}

// UpsertBatch writes candles with last-writer-wins semantics. The batch is
// first collapsed to one candle per (timeframe, open time), later records
// winning, then each survivor is upserted inside one transaction.
func (r *CandleRepository) UpsertBatch(ctx context.Context, instrumentID int, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	deduped := model.DedupeCandles(candles)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO candles (instrument_id, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instrument_id, timeframe, open_time)
		DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range deduped {
		_, err := stmt.ExecContext(ctx, instrumentID, c.Timeframe, c.OpenTime.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert candle at %s: %w", c.OpenTime, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(deduped), nil
}

// GetCandles retrieves candles with open times in [start, end), ascending.
// A zero end means no upper bound; limit <= 0 means no limit.
func (r *CandleRepository) GetCandles(ctx context.Context, instrumentID int, tf model.Timeframe, start, end time.Time, limit int) ([]model.Candle, error) {
	query := `SELECT id, instrument_id, timeframe, open_time, open, high, low, close, volume
		FROM candles
		WHERE instrument_id = $1 AND timeframe = $2 AND open_time >= $3`
	args := []interface{}{instrumentID, tf, start.UTC()}

	if !end.IsZero() {
		args = append(args, end.UTC())
		query += fmt.Sprintf(" AND open_time < $%d", len(args))
	}
	query += " ORDER BY open_time ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []model.Candle
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get candles: %w", err)
	}
	return out, nil
}

// GetRange reports the stored extent for an instrument and timeframe.
func (r *CandleRepository) GetRange(ctx context.Context, instrumentID int, tf model.Timeframe) (*model.CandleRange, error) {
	var row struct {
		Earliest *time.Time `db:"earliest"`
		Latest   *time.Time `db:"latest"`
		Count    int64      `db:"count"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT MIN(open_time) AS earliest, MAX(open_time) AS latest, COUNT(*) AS count
		 FROM candles WHERE instrument_id = $1 AND timeframe = $2`,
		instrumentID, tf)
	if err != nil {
		return nil, fmt.Errorf("failed to get candle range: %w", err)
	}
	return &model.CandleRange{
		InstrumentID: instrumentID,
		Timeframe:    tf,
		Earliest:     row.Earliest,
		Latest:       row.Latest,
		Count:        row.Count,
	}, nil
}
