package reservation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/events"
	"github.com/smontoya/stockroom/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, zerolog.Nop(), events.Nop{})
}

func seedSKU(t *testing.T, s *Service, skuID string, onHand int64) {
	t.Helper()
	_, err := s.db.Exec(`
INSERT INTO inventory(sku_id, on_hand_qty, reserved_qty, low_stock_threshold, updated_unix)
VALUES(?,?,0,5,0)`, skuID, onHand)
	require.NoError(t, err)
}

func counters(t *testing.T, s *Service, skuID string) (onHand, reserved int64) {
	t.Helper()
	err := s.db.QueryRow(
		`SELECT on_hand_qty, reserved_qty FROM inventory WHERE sku_id=?`, skuID).
		Scan(&onHand, &reserved)
	require.NoError(t, err)
	return onHand, reserved
}

func lockCount(t *testing.T, s *Service) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM inventory_locks`).Scan(&n))
	return n
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 10)

	r, err := s.Reserve(ctx, "sku-1", 3, "cart-1", domain.HoldCart, time.Hour)
	require.NoError(t, err)
	onHand, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(10), onHand)
	assert.Equal(t, int64(3), reserved)

	require.NoError(t, s.Release(ctx, r.ID))
	onHand, reserved = counters(t, s, "sku-1")
	assert.Equal(t, int64(10), onHand)
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, 0, lockCount(t, s))
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 10)

	r, err := s.Reserve(ctx, "sku-1", 4, "cart-1", domain.HoldCart, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, r.ID))
	require.NoError(t, s.Release(ctx, r.ID)) // second release is a no-op

	_, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(0), reserved)
}

func TestReserveInsufficientStock(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 2)

	_, err := s.Reserve(ctx, "sku-1", 3, "cart-1", domain.HoldCart, time.Hour)
	require.Error(t, err)
	require.True(t, domain.IsInsufficientStock(err))

	var stockErr domain.ErrInsufficientStock
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(2), stockErr.Available)

	// loser leaves no partial state behind
	onHand, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(2), onHand)
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, 0, lockCount(t, s))
}

func TestReserveUnknownSKU(t *testing.T) {
	s := newTestService(t)
	_, err := s.Reserve(context.Background(), "ghost", 1, "cart-1", domain.HoldCart, time.Hour)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	s := newTestService(t)
	seedSKU(t, s, "sku-1", 10)
	for _, qty := range []int64{0, -2} {
		_, err := s.Reserve(context.Background(), "sku-1", qty, "cart-1", domain.HoldCart, time.Hour)
		assert.Error(t, err)
	}
}

// N shoppers race for K<N units; exactly K reserves succeed and available
// never goes negative.
func TestConcurrentReserveNeverOversells(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	const stock, shoppers = 3, 10
	seedSKU(t, s, "sku-1", stock)

	var wg sync.WaitGroup
	results := make(chan error, shoppers)
	for i := 0; i < shoppers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(ctx, "sku-1", 1, "cart-x", domain.HoldCart, time.Hour)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else {
			require.True(t, domain.IsInsufficientStock(err))
		}
	}
	assert.Equal(t, stock, won)

	onHand, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(stock), onHand)
	assert.Equal(t, int64(stock), reserved)
	assert.GreaterOrEqual(t, onHand-reserved, int64(0))
}

func TestConsume(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 5)

	r, err := s.Reserve(ctx, "sku-1", 2, "cart-1", domain.HoldCart, time.Hour)
	require.NoError(t, err)

	rec, err := s.Consume(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "sku-1", rec.SKUID)
	assert.Equal(t, int64(2), rec.Quantity)

	onHand, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(3), onHand)
	assert.Equal(t, int64(0), reserved)

	// the lock is gone; a second consume cannot double-decrement
	_, err = s.Consume(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConsumeExpiredReservation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 5)

	r, err := s.Reserve(ctx, "sku-1", 2, "cart-1", domain.HoldCart, time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = s.Consume(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)

	// nothing moved
	onHand, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(5), onHand)
	assert.Equal(t, int64(2), reserved)
}

func TestRestoreReversesConsume(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 5)

	r, err := s.Reserve(ctx, "sku-1", 2, "cart-1", domain.HoldCart, time.Hour)
	require.NoError(t, err)
	_, err = s.Consume(ctx, r.ID)
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, "sku-1", 2, "refund"))
	onHand, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(5), onHand)
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, 0, lockCount(t, s))
}

func TestRenewExtendsActiveHold(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 5)

	r, err := s.Reserve(ctx, "sku-1", 1, "cart-1", domain.HoldCart, time.Minute)
	require.NoError(t, err)

	renewed, err := s.Renew(ctx, r.ID, time.Hour)
	require.NoError(t, err)
	assert.Greater(t, renewed.ExpiresUnix, r.ExpiresUnix)
}

func TestRenewExpiredHoldFails(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 5)

	r, err := s.Reserve(ctx, "sku-1", 1, "cart-1", domain.HoldCart, time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = s.Renew(ctx, r.ID, time.Hour)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)
}

func TestSweepExpired(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 10)

	_, err := s.Reserve(ctx, "sku-1", 2, "cart-1", domain.HoldCart, time.Minute)
	require.NoError(t, err)
	_, err = s.Reserve(ctx, "sku-1", 3, "cart-2", domain.HoldCart, time.Minute)
	require.NoError(t, err)
	keep, err := s.Reserve(ctx, "sku-1", 1, "cart-3", domain.HoldCart, 24*time.Hour)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	onHand, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(10), onHand)
	assert.Equal(t, int64(1), reserved) // only the long hold remains
	assert.Equal(t, 1, lockCount(t, s))

	// a second sweep finds nothing: no double release
	n, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, reserved = counters(t, s, "sku-1")
	assert.Equal(t, int64(1), reserved)

	_, err = s.Get(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestConcurrentSweeps(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 10)
	for i := 0; i < 5; i++ {
		_, err := s.Reserve(ctx, "sku-1", 1, "cart-1", domain.HoldCart, time.Minute)
		require.NoError(t, err)
	}
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	var wg sync.WaitGroup
	total := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.SweepExpired(ctx)
			require.NoError(t, err)
			total <- n
		}()
	}
	wg.Wait()
	close(total)

	sum := 0
	for n := range total {
		sum += n
	}
	assert.Equal(t, 5, sum)
	_, reserved := counters(t, s, "sku-1")
	assert.Equal(t, int64(0), reserved)
}

func TestActiveForCartSkipsExpired(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedSKU(t, s, "sku-1", 10)

	_, err := s.Reserve(ctx, "sku-1", 1, "cart-1", domain.HoldCart, time.Minute)
	require.NoError(t, err)
	_, err = s.Reserve(ctx, "sku-1", 2, "cart-1", domain.HoldCart, 24*time.Hour)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	active, err := s.ActiveForCart(ctx, "cart-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].Quantity)
}
