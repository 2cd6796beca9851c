// Package cart manages the shopper's active cart. Every line is backed by a
// reservation; adding, resizing or removing a line goes through the
// reservation lifecycle so held quantity always tracks cart contents.
package cart

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smontoya/stockroom/internal/catalog"
	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/ledger"
	"github.com/smontoya/stockroom/internal/reservation"
)

type Service struct {
	db      *sql.DB
	log     zerolog.Logger
	locks   *reservation.Service
	ledger  *ledger.Service
	catalog catalog.Provider
	holdTTL time.Duration
	now     func() time.Time
}

func New(db *sql.DB, log zerolog.Logger, locks *reservation.Service, led *ledger.Service, cat catalog.Provider, holdTTL time.Duration) *Service {
	return &Service{
		db:      db,
		log:     log.With().Str("component", "cart").Logger(),
		locks:   locks,
		ledger:  led,
		catalog: cat,
		holdTTL: holdTTL,
		now:     time.Now,
	}
}

// GetOrCreate returns the user's ACTIVE cart, creating one if needed. A user
// has at most one active cart at a time.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*domain.Cart, error) {
	c, err := s.Get(ctx, userID)
	if err == nil {
		return c, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}
	now := s.now().Unix()
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO carts(id, user_id, status, created_unix, updated_unix)
VALUES(?,?,?,?,?)`, id, userID, string(domain.CartActive), now, now); err != nil {
		return nil, err
	}
	return s.Get(ctx, userID)
}

// Get loads the user's active cart with its items.
func (s *Service) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	var c domain.Cart
	var status string
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, status, created_unix, updated_unix
FROM carts WHERE user_id=? AND status=?`, userID, string(domain.CartActive)).
		Scan(&c.ID, &c.UserID, &status, &c.CreatedUnix, &c.UpdatedUnix)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = domain.CartStatus(status)
	c.Items, err = s.listItems(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadForUser loads any cart by id and enforces ownership.
func (s *Service) LoadForUser(ctx context.Context, cartID, userID string) (*domain.Cart, error) {
	var c domain.Cart
	var status string
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, status, created_unix, updated_unix FROM carts WHERE id=?`, cartID).
		Scan(&c.ID, &c.UserID, &status, &c.CreatedUnix, &c.UpdatedUnix)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, domain.ErrUnauthorizedCartAccess
	}
	c.Status = domain.CartStatus(status)
	c.Items, err = s.listItems(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AddItem places (or grows) a line. Holds are not merged implicitly: growing
// an existing line releases the old hold and reserves the full new quantity;
// if that reserve loses the race the old hold is re-taken and the shopper
// keeps what they had.
func (s *Service) AddItem(ctx context.Context, userID, skuID string, qty int64) (*domain.Cart, error) {
	if qty <= 0 {
		return nil, domain.ErrInsufficientStock{SKUID: skuID, Requested: qty}
	}
	c, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	info, err := s.catalog.GetSKU(ctx, skuID)
	if err != nil {
		return nil, err
	}

	if existing := findItem(c, skuID); existing != nil {
		return s.resizeItem(ctx, c, existing, existing.Quantity+qty)
	}

	r, err := s.locks.Reserve(ctx, skuID, qty, c.ID, domain.HoldCart, s.holdTTL)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO cart_items(id, cart_id, sku_id, name, unit_price_cents, qty, reservation_id)
VALUES(?,?,?,?,?,?,?)`,
		uuid.NewString(), c.ID, skuID, info.Name, info.UnitPriceCents, qty, r.ID); err != nil {
		// keep ledger and cart consistent if the insert itself fails
		_ = s.locks.Release(ctx, r.ID)
		return nil, err
	}
	s.touch(ctx, c.ID)
	return s.Get(ctx, userID)
}

// UpdateItemQuantity sets a line to an exact quantity. Same quantity just
// renews the hold; zero removes the line.
func (s *Service) UpdateItemQuantity(ctx context.Context, userID, skuID string, qty int64) (*domain.Cart, error) {
	if qty <= 0 {
		return s.RemoveItem(ctx, userID, skuID)
	}
	c, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	it := findItem(c, skuID)
	if it == nil {
		return nil, domain.ErrNotFound
	}
	if it.Quantity == qty {
		if _, err := s.locks.Renew(ctx, it.ReservationID, s.holdTTL); err != nil && err != domain.ErrNotFound {
			if err == domain.ErrReservationExpired {
				return s.relock(ctx, c, it)
			}
			return nil, err
		}
		return s.Get(ctx, userID)
	}
	return s.resizeItem(ctx, c, it, qty)
}

func (s *Service) RemoveItem(ctx context.Context, userID, skuID string) (*domain.Cart, error) {
	c, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	it := findItem(c, skuID)
	if it == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.locks.Release(ctx, it.ReservationID); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id=?`, it.ID); err != nil {
		return nil, err
	}
	s.touch(ctx, c.ID)
	return s.Get(ctx, userID)
}

func (s *Service) Clear(ctx context.Context, userID string) (*domain.Cart, error) {
	c, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, it := range c.Items {
		if err := s.locks.Release(ctx, it.ReservationID); err != nil {
			return nil, err
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id=?`, c.ID); err != nil {
		return nil, err
	}
	s.touch(ctx, c.ID)
	return s.Get(ctx, userID)
}

func (s *Service) Stats(ctx context.Context, userID string) (*domain.CartStats, error) {
	c, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &domain.CartStats{ItemCount: len(c.Items)}
	for _, it := range c.Items {
		st.TotalQuantity += it.Quantity
		st.SubtotalCents += it.UnitPriceCents * it.Quantity
	}
	return st, nil
}

// ValidateInventory reports, line by line, whether the cart could still be
// fulfilled right now: held quantity plus remaining availability.
func (s *Service) ValidateInventory(ctx context.Context, userID string) ([]domain.CartItemCheck, bool, error) {
	c, err := s.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	active, err := s.locks.ActiveForCart(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	heldByRes := map[string]int64{}
	for _, r := range active {
		heldByRes[r.ID] = r.Quantity
	}

	skuIDs := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		skuIDs = append(skuIDs, it.SKUID)
	}
	records, err := s.ledger.BulkGet(ctx, skuIDs)
	if err != nil {
		return nil, false, err
	}

	allOK := true
	checks := make([]domain.CartItemCheck, 0, len(c.Items))
	for _, it := range c.Items {
		check := domain.CartItemCheck{SKUID: it.SKUID, Quantity: it.Quantity}
		check.Held = heldByRes[it.ReservationID]
		if rec, ok := records[it.SKUID]; ok {
			check.Available = rec.AvailableQty
		}
		shortfall := it.Quantity - check.Held
		check.Fulfillable = shortfall <= 0 || check.Available >= shortfall
		if !check.Fulfillable {
			allOK = false
		}
		checks = append(checks, check)
	}
	return checks, allOK, nil
}

// MarkStatus flips the cart's lifecycle status. Checked-out carts keep their
// items as a historical snapshot.
func (s *Service) MarkStatus(ctx context.Context, cartID string, status domain.CartStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET status=?, updated_unix=? WHERE id=?`,
		string(status), s.now().Unix(), cartID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetItemReservation repoints a line at a fresh hold (checkout re-lock path).
func (s *Service) SetItemReservation(ctx context.Context, itemID, reservationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cart_items SET reservation_id=? WHERE id=?`, reservationID, itemID)
	return err
}

// resizeItem swaps the line's hold for one covering newQty. On a lost race
// the previous hold is re-taken before the error is surfaced.
func (s *Service) resizeItem(ctx context.Context, c *domain.Cart, it *domain.CartItem, newQty int64) (*domain.Cart, error) {
	if err := s.locks.Release(ctx, it.ReservationID); err != nil {
		return nil, err
	}
	r, err := s.locks.Reserve(ctx, it.SKUID, newQty, c.ID, domain.HoldCart, s.holdTTL)
	if err != nil {
		if prev, rerr := s.locks.Reserve(ctx, it.SKUID, it.Quantity, c.ID, domain.HoldCart, s.holdTTL); rerr == nil {
			_ = s.SetItemReservation(ctx, it.ID, prev.ID)
		}
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cart_items SET qty=?, reservation_id=? WHERE id=?`, newQty, r.ID, it.ID); err != nil {
		return nil, err
	}
	s.touch(ctx, c.ID)
	return s.Get(ctx, c.UserID)
}

// relock replaces an expired hold with a fresh one at the same quantity.
func (s *Service) relock(ctx context.Context, c *domain.Cart, it *domain.CartItem) (*domain.Cart, error) {
	r, err := s.locks.Reserve(ctx, it.SKUID, it.Quantity, c.ID, domain.HoldCart, s.holdTTL)
	if err != nil {
		return nil, err
	}
	if err := s.SetItemReservation(ctx, it.ID, r.ID); err != nil {
		return nil, err
	}
	return s.Get(ctx, c.UserID)
}

func (s *Service) touch(ctx context.Context, cartID string) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE carts SET updated_unix=? WHERE id=?`, s.now().Unix(), cartID); err != nil {
		s.log.Warn().Err(err).Str("cart", cartID).Msg("touch failed")
	}
}

func (s *Service) listItems(ctx context.Context, cartID string) ([]domain.CartItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, cart_id, sku_id, name, unit_price_cents, qty, reservation_id
FROM cart_items WHERE cart_id=?`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CartItem
	for rows.Next() {
		var it domain.CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.SKUID, &it.Name,
			&it.UnitPriceCents, &it.Quantity, &it.ReservationID); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func findItem(c *domain.Cart, skuID string) *domain.CartItem {
	for i := range c.Items {
		if c.Items[i].SKUID == skuID {
			return &c.Items[i]
		}
	}
	return nil
}
