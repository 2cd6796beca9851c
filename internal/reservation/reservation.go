// Package reservation is the lifecycle manager for stock holds: the only
// component allowed to move the ledger's reserved/available counters.
//
// A reservation is a lease. It is created by reserve, kept alive by renew,
// and ends one of three ways: release (stock returns to the pool), expiry
// (the sweep releases it), or consume (stock permanently leaves inventory).
package reservation

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/events"
)

type Service struct {
	db     *sql.DB
	log    zerolog.Logger
	events events.Publisher
	now    func() time.Time

	sweepMu sync.Mutex
}

func New(db *sql.DB, log zerolog.Logger, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		db:     db,
		log:    log.With().Str("component", "reservation").Logger(),
		events: pub,
		now:    time.Now,
	}
}

// Reserve atomically checks availability and places a hold. The guarded
// UPDATE is the row-level compare-and-swap: when two shoppers race for the
// last unit, exactly one update matches and the loser gets
// ErrInsufficientStock with no side effects.
func (s *Service) Reserve(ctx context.Context, skuID string, qty int64, cartID string, reason domain.HoldReason, ttl time.Duration) (*domain.Reservation, error) {
	if qty <= 0 {
		return nil, domain.ErrInsufficientStock{SKUID: skuID, Requested: qty}
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE inventory
SET reserved_qty = reserved_qty + ?, updated_unix = ?
WHERE sku_id = ? AND on_hand_qty - reserved_qty >= ?`,
		qty, now.Unix(), skuID, qty)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var onHand, reserved int64
		err := tx.QueryRowContext(ctx,
			`SELECT on_hand_qty, reserved_qty FROM inventory WHERE sku_id=?`, skuID).
			Scan(&onHand, &reserved)
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, domain.ErrInsufficientStock{SKUID: skuID, Requested: qty, Available: onHand - reserved}
	}

	r := &domain.Reservation{
		ID:          uuid.NewString(),
		SKUID:       skuID,
		CartID:      cartID,
		Quantity:    qty,
		Reason:      reason,
		ExpiresUnix: now.Add(ttl).Unix(),
		CreatedUnix: now.Unix(),
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO inventory_locks(id, sku_id, cart_id, qty, reason, expires_unix, created_unix)
VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.SKUID, r.CartID, r.Quantity, string(r.Reason), r.ExpiresUnix, r.CreatedUnix); err != nil {
		return nil, err
	}

	var available, threshold int64
	if err := tx.QueryRowContext(ctx,
		`SELECT on_hand_qty - reserved_qty, low_stock_threshold FROM inventory WHERE sku_id=?`, skuID).
		Scan(&available, &threshold); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.Debug().Str("sku", skuID).Str("cart", cartID).Int64("qty", qty).Msg("reserved")
	if available <= threshold {
		if err := s.events.PublishJSON(events.QStockLow, events.StockLowPayload{
			SKUID: skuID, Available: available, Threshold: threshold,
		}); err != nil {
			s.log.Warn().Err(err).Str("sku", skuID).Msg("publish stock.low failed")
		}
	}
	return r, nil
}

// Renew extends expires_unix on a still-active hold. Renewing an expired or
// missing hold fails; the caller must reserve again.
func (s *Service) Renew(ctx context.Context, reservationID string, ttl time.Duration) (*domain.Reservation, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE inventory_locks SET expires_unix = ?
WHERE id = ? AND expires_unix >= ?`,
		now.Add(ttl).Unix(), reservationID, now.Unix())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r, err := s.Get(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		if r.Expired(now) {
			return nil, domain.ErrReservationExpired
		}
		return nil, domain.ErrNotFound
	}
	return s.Get(ctx, reservationID)
}

// Release drops the hold and returns its quantity to the pool. Idempotent:
// an already-released (or swept) reservation is a no-op, not an error.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	released, err := releaseLockTx(ctx, tx, reservationID, s.now().Unix())
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if released {
		s.log.Debug().Str("reservation", reservationID).Msg("released")
	}
	return nil
}

// Consume is the terminal step: the hold is deleted and the quantity leaves
// both reserved_qty and on_hand_qty. Only checkout calls this.
func (s *Service) Consume(ctx context.Context, reservationID string) (*domain.ConsumptionRecord, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var skuID string
	var qty, expires int64
	err = tx.QueryRowContext(ctx,
		`SELECT sku_id, qty, expires_unix FROM inventory_locks WHERE id=?`, reservationID).
		Scan(&skuID, &qty, &expires)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires < now.Unix() {
		return nil, domain.ErrReservationExpired
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_locks WHERE id=?`, reservationID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE inventory
SET on_hand_qty = on_hand_qty - ?, reserved_qty = reserved_qty - ?, updated_unix = ?
WHERE sku_id = ?`, qty, qty, now.Unix(), skuID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.Info().Str("sku", skuID).Int64("qty", qty).Msg("consumed")
	return &domain.ConsumptionRecord{
		ReservationID: reservationID,
		SKUID:         skuID,
		Quantity:      qty,
		ConsumedUnix:  now.Unix(),
	}, nil
}

// Restore reverses a prior consume (cancellation/refund): stock returns to
// on hand. It never recreates a reservation.
func (s *Service) Restore(ctx context.Context, skuID string, qty int64, reason string) error {
	if qty <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE inventory SET on_hand_qty = on_hand_qty + ?, updated_unix = ? WHERE sku_id = ?`,
		qty, s.now().Unix(), skuID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	s.log.Info().Str("sku", skuID).Int64("qty", qty).Str("reason", reason).Msg("restored")
	return nil
}

// SweepExpired releases every hold whose expiry has passed. Concurrent
// invocations are safe: the in-process TryLock skips overlap, and the
// per-id delete means a row can only ever be released once anyway.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	if !s.sweepMu.TryLock() {
		return 0, nil
	}
	defer s.sweepMu.Unlock()

	nowUnix := s.now().Unix()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM inventory_locks WHERE expires_unix < ?`, nowUnix)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return count, err
		}
		released, err := releaseLockTx(ctx, tx, id, nowUnix)
		if err != nil {
			_ = tx.Rollback()
			return count, err
		}
		if err := tx.Commit(); err != nil {
			return count, err
		}
		if released {
			count++
		}
	}
	if count > 0 {
		s.log.Info().Int("count", count).Msg("expired reservations swept")
	}
	return count, nil
}

func (s *Service) Get(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, sku_id, cart_id, qty, reason, expires_unix, created_unix
FROM inventory_locks WHERE id=?`, reservationID)
	return scanReservation(row)
}

// ActiveForCart lists the cart's non-expired holds.
func (s *Service) ActiveForCart(ctx context.Context, cartID string) ([]domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, sku_id, cart_id, qty, reason, expires_unix, created_unix
FROM inventory_locks WHERE cart_id=? AND expires_unix >= ?`, cartID, s.now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// releaseLockTx deletes one lock and gives its quantity back to the pool.
// Returns false when the lock is already gone.
func releaseLockTx(ctx context.Context, tx *sql.Tx, reservationID string, nowUnix int64) (bool, error) {
	var skuID string
	var qty int64
	err := tx.QueryRowContext(ctx,
		`SELECT sku_id, qty FROM inventory_locks WHERE id=?`, reservationID).
		Scan(&skuID, &qty)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM inventory_locks WHERE id=?`, reservationID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	// reserved_qty can never underflow: the CASE mirrors the delete guard.
	if _, err := tx.ExecContext(ctx, `
UPDATE inventory
SET reserved_qty = CASE WHEN reserved_qty >= ? THEN reserved_qty - ? ELSE 0 END,
    updated_unix = ?
WHERE sku_id = ?`, qty, qty, nowUnix, skuID); err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var r domain.Reservation
	var reason string
	err := row.Scan(&r.ID, &r.SKUID, &r.CartID, &r.Quantity, &reason, &r.ExpiresUnix, &r.CreatedUnix)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Reason = domain.HoldReason(reason)
	return &r, nil
}
