// Package ledger is the durable record of total/reserved/available quantity
// per SKU. Reads always reflect the latest committed write; every mutation
// runs inside one guarded transaction so racing updates cannot be lost.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/store"
)

type Service struct {
	db         *sql.DB
	log        zerolog.Logger
	defaultLow int64
	now        func() time.Time
}

func New(db *sql.DB, log zerolog.Logger, defaultLowThreshold int64) *Service {
	return &Service{
		db:         db,
		log:        log.With().Str("component", "ledger").Logger(),
		defaultLow: defaultLowThreshold,
		now:        time.Now,
	}
}

// EnsureSKU creates the ledger row the first time a SKU enters the catalog,
// with zero on hand. No-op if the row exists.
func (s *Service) EnsureSKU(ctx context.Context, skuID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO inventory(sku_id, on_hand_qty, reserved_qty, low_stock_threshold, updated_unix)
VALUES(?, 0, 0, ?, ?)
ON CONFLICT(sku_id) DO NOTHING`,
		skuID, s.defaultLow, s.now().Unix())
	return err
}

func (s *Service) GetBySKU(ctx context.Context, skuID string) (*domain.InventoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT sku_id, on_hand_qty, reserved_qty, low_stock_threshold, last_restock_unix, updated_unix
FROM inventory WHERE sku_id=?`, skuID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// BulkGet loads several ledger rows at once for cart-wide validation.
// Unknown SKUs are simply absent from the result.
func (s *Service) BulkGet(ctx context.Context, skuIDs []string) (map[string]*domain.InventoryRecord, error) {
	out := map[string]*domain.InventoryRecord{}
	if len(skuIDs) == 0 {
		return out, nil
	}
	q := `
SELECT sku_id, on_hand_qty, reserved_qty, low_stock_threshold, last_restock_unix, updated_unix
FROM inventory WHERE sku_id IN (` + store.Placeholders(len(skuIDs)) + `)`
	rows, err := s.db.QueryContext(ctx, q, store.ToAny(skuIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.SKUID] = rec
	}
	return out, rows.Err()
}

// AdjustOnHand applies an admin correction. The guard refuses any delta that
// would drive available (or on hand) negative.
func (s *Service) AdjustOnHand(ctx context.Context, skuID string, delta int64, reason string) (*domain.InventoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE inventory
SET on_hand_qty = on_hand_qty + ?, updated_unix = ?
WHERE sku_id = ? AND on_hand_qty + ? >= reserved_qty AND on_hand_qty + ? >= 0`,
		delta, s.now().Unix(), skuID, delta, delta)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		rec, gerr := getBySKUTx(ctx, tx, skuID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, domain.ErrInsufficientStock{SKUID: skuID, Requested: -delta, Available: rec.AvailableQty}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.Info().Str("sku", skuID).Int64("delta", delta).Str("reason", reason).Msg("on-hand adjusted")
	return s.GetBySKU(ctx, skuID)
}

// Restock adds positive stock and stamps last_restock_unix.
func (s *Service) Restock(ctx context.Context, skuID string, qty int64) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, domain.ErrNotFound
	}
	if err := s.EnsureSKU(ctx, skuID); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
UPDATE inventory
SET on_hand_qty = on_hand_qty + ?, last_restock_unix = ?, updated_unix = ?
WHERE sku_id = ?`, qty, now, now, skuID)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("sku", skuID).Int64("qty", qty).Msg("restocked")
	return s.GetBySKU(ctx, skuID)
}

func (s *Service) SetLowStockThreshold(ctx context.Context, skuID string, threshold int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory SET low_stock_threshold=?, updated_unix=? WHERE sku_id=?`,
		threshold, s.now().Unix(), skuID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	if err := row.Scan(&rec.SKUID, &rec.OnHandQty, &rec.ReservedQty,
		&rec.LowStockThreshold, &rec.LastRestockUnix, &rec.UpdatedUnix); err != nil {
		return nil, err
	}
	rec.AvailableQty = rec.OnHandQty - rec.ReservedQty
	rec.Status = domain.ClassifyStock(rec.AvailableQty, rec.LowStockThreshold)
	return &rec, nil
}

func getBySKUTx(ctx context.Context, tx *sql.Tx, skuID string) (*domain.InventoryRecord, error) {
	row := tx.QueryRowContext(ctx, `
SELECT sku_id, on_hand_qty, reserved_qty, low_stock_threshold, last_restock_unix, updated_unix
FROM inventory WHERE sku_id=?`, skuID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return rec, err
}
