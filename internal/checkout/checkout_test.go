package checkout

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smontoya/stockroom/internal/cart"
	"github.com/smontoya/stockroom/internal/catalog"
	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/events"
	"github.com/smontoya/stockroom/internal/ledger"
	"github.com/smontoya/stockroom/internal/reservation"
	"github.com/smontoya/stockroom/internal/store"
)

type fixture struct {
	db      *sql.DB
	ledger  *ledger.Service
	locks   *reservation.Service
	catalog *catalog.Static
	carts   *cart.Service
	co      *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	led := ledger.New(db, zerolog.Nop(), 5)
	locks := reservation.New(db, zerolog.Nop(), events.Nop{})
	cat := catalog.NewStatic()
	carts := cart.New(db, zerolog.Nop(), locks, led, cat, time.Hour)
	return &fixture{
		db:      db,
		ledger:  led,
		locks:   locks,
		catalog: cat,
		carts:   carts,
		co:      New(db, zerolog.Nop(), carts, locks, cat, events.Nop{}, 5*time.Minute),
	}
}

func (f *fixture) seed(t *testing.T, skuID, name string, priceCents, stock int64) {
	t.Helper()
	f.catalog.Put(catalog.SKUInfo{SKUID: skuID, SKUCode: "C-" + skuID, Name: name, UnitPriceCents: priceCents})
	if stock > 0 {
		_, err := f.ledger.Restock(context.Background(), skuID, stock)
		require.NoError(t, err)
	} else {
		require.NoError(t, f.ledger.EnsureSKU(context.Background(), skuID))
	}
}

func (f *fixture) counters(t *testing.T, skuID string) (onHand, reserved int64) {
	t.Helper()
	rec, err := f.ledger.GetBySKU(context.Background(), skuID)
	require.NoError(t, err)
	return rec.OnHandQty, rec.ReservedQty
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n))
	return n
}

func TestCheckoutHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)
	f.seed(t, "sku-b", "Cap", 900, 3)

	_, err := f.carts.AddItem(ctx, "user-1", "sku-a", 2)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "user-1", "sku-b", 1)
	require.NoError(t, err)

	o, err := f.co.CreateOrderFromCart(ctx, "user-1", Input{ShippingName: "S Montoya", ShippingAddress: "Cra 7 #12"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, o.Status)
	require.Len(t, o.Items, 2)
	assert.Equal(t, int64(2*1200+900), o.SubtotalCents)
	assert.Equal(t, o.SubtotalCents, o.TotalCents)

	// stock permanently left inventory; no holds remain
	onHand, reserved := f.counters(t, "sku-a")
	assert.Equal(t, int64(3), onHand)
	assert.Equal(t, int64(0), reserved)
	onHand, reserved = f.counters(t, "sku-b")
	assert.Equal(t, int64(2), onHand)
	assert.Equal(t, int64(0), reserved)

	// cart survives as a checked-out snapshot
	snap, err := f.carts.LoadForUser(ctx, o.CartID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CartCheckedOut, snap.Status)
	assert.Len(t, snap.Items, 2)
}

// Cart with A(qty 2, stock 5) and B(qty 1, last unit lost to a rival):
// checkout fails with InsufficientStock, A's counters are untouched and no
// order exists.
func TestCheckoutIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)
	f.seed(t, "sku-b", "Cap", 900, 1)

	_, err := f.carts.AddItem(ctx, "user-1", "sku-a", 2)
	require.NoError(t, err)
	c, err := f.carts.AddItem(ctx, "user-1", "sku-b", 1)
	require.NoError(t, err)

	// B's hold expires, the sweep reclaims it, and a rival takes the unit
	var resB string
	for _, it := range c.Items {
		if it.SKUID == "sku-b" {
			resB = it.ReservationID
		}
	}
	_, err = f.db.Exec(`UPDATE inventory_locks SET expires_unix=1 WHERE id=?`, resB)
	require.NoError(t, err)
	_, err = f.locks.SweepExpired(ctx)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "rival", "sku-b", 1)
	require.NoError(t, err)

	beforeOnHand, beforeReserved := f.counters(t, "sku-a")

	_, err = f.co.CreateOrderFromCart(ctx, "user-1", Input{})
	require.True(t, domain.IsInsufficientStock(err))

	onHand, reserved := f.counters(t, "sku-a")
	assert.Equal(t, beforeOnHand, onHand)
	assert.Equal(t, beforeReserved, reserved)
	assert.Equal(t, 0, f.orderCount(t))

	// cart still active, nothing was consumed
	c2, err := f.carts.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CartActive, c2.Status)
}

// Storage fails after consumption: every consumed line is restored before
// the error surfaces, leaving no consumed-but-unordered stock.
func TestCheckoutRollsBackConsumedStockOnPersistFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)

	_, err := f.carts.AddItem(ctx, "user-1", "sku-a", 2)
	require.NoError(t, err)

	_, err = f.db.Exec(`DROP TABLE order_items`)
	require.NoError(t, err)

	_, err = f.co.CreateOrderFromCart(ctx, "user-1", Input{})
	require.Error(t, err)

	onHand, reserved := f.counters(t, "sku-a")
	assert.Equal(t, int64(5), onHand)
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, 0, f.orderCount(t))
}

func TestCheckoutRelocksExpiredHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)

	c, err := f.carts.AddItem(ctx, "user-1", "sku-a", 2)
	require.NoError(t, err)

	// hold expired and swept, but stock is still there
	_, err = f.db.Exec(`UPDATE inventory_locks SET expires_unix=1 WHERE id=?`, c.Items[0].ReservationID)
	require.NoError(t, err)
	_, err = f.locks.SweepExpired(ctx)
	require.NoError(t, err)

	o, err := f.co.CreateOrderFromCart(ctx, "user-1", Input{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, o.Status)
	onHand, reserved := f.counters(t, "sku-a")
	assert.Equal(t, int64(3), onHand)
	assert.Equal(t, int64(0), reserved)
}

func TestOrderSnapshotSurvivesPriceChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)

	_, err := f.carts.AddItem(ctx, "user-1", "sku-a", 1)
	require.NoError(t, err)
	o, err := f.co.CreateOrderFromCart(ctx, "user-1", Input{})
	require.NoError(t, err)

	f.catalog.Put(catalog.SKUInfo{SKUID: "sku-a", SKUCode: "C-sku-a", Name: "Mug", UnitPriceCents: 9900})

	reloaded, err := f.co.GetOrder(ctx, o.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), reloaded.Items[0].UnitPriceCents)
	assert.Equal(t, int64(1200), reloaded.TotalCents)
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.carts.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.co.CreateOrderFromCart(ctx, "user-1", Input{})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestCheckoutSomeoneElsesCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)

	c, err := f.carts.AddItem(ctx, "user-1", "sku-a", 1)
	require.NoError(t, err)

	_, err = f.co.CreateOrderFromCart(ctx, "user-2", Input{CartID: c.ID})
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCartAccess)
}

func placeOrder(t *testing.T, f *fixture, userID string, qty int64) *domain.Order {
	t.Helper()
	ctx := context.Background()
	_, err := f.carts.AddItem(ctx, userID, "sku-a", qty)
	require.NoError(t, err)
	o, err := f.co.CreateOrderFromCart(ctx, userID, Input{})
	require.NoError(t, err)
	return o
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)
	o := placeOrder(t, f, "user-1", 1)

	paid, err := f.co.ConfirmPayment(ctx, o.ID, "user-1", "card")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, paid.Status)
	assert.Equal(t, "card", paid.PaymentMethod)
	assert.NotZero(t, paid.PaidUnix)

	shipped, err := f.co.MarkAsShipped(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderShipped, shipped.Status)

	delivered, err := f.co.MarkAsDelivered(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDelivered, delivered.Status)
}

func TestStateMachineGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 10)
	o := placeOrder(t, f, "user-1", 1)

	// shipping an unpaid order is rejected
	_, err := f.co.MarkAsShipped(ctx, o.ID)
	require.True(t, domain.IsInvalidTransition(err))

	// delivering an unshipped order is rejected
	_, err = f.co.MarkAsDelivered(ctx, o.ID)
	require.True(t, domain.IsInvalidTransition(err))

	// paying twice is rejected
	_, err = f.co.ConfirmPayment(ctx, o.ID, "user-1", "card")
	require.NoError(t, err)
	_, err = f.co.ConfirmPayment(ctx, o.ID, "user-1", "card")
	require.True(t, domain.IsInvalidTransition(err))
}

func TestCancelShippedOrderFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)
	o := placeOrder(t, f, "user-1", 2)

	_, err := f.co.ConfirmPayment(ctx, o.ID, "user-1", "card")
	require.NoError(t, err)
	_, err = f.co.MarkAsShipped(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.co.Cancel(ctx, o.ID, "user-1", "changed my mind")
	require.True(t, domain.IsInvalidTransition(err))

	// stock stays consumed
	onHand, _ := f.counters(t, "sku-a")
	assert.Equal(t, int64(3), onHand)
}

// Order holds 2 units of the SKU; the ledger shows 3 on hand after
// consumption. Cancelling the confirmed order brings it back to 5.
func TestCancelConfirmedOrderRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)
	o := placeOrder(t, f, "user-1", 2)

	_, err := f.co.ConfirmPayment(ctx, o.ID, "user-1", "card")
	require.NoError(t, err)

	onHand, _ := f.counters(t, "sku-a")
	require.Equal(t, int64(3), onHand)

	cancelled, err := f.co.Cancel(ctx, o.ID, "user-1", "refund")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)

	onHand, reserved := f.counters(t, "sku-a")
	assert.Equal(t, int64(5), onHand)
	assert.Equal(t, int64(0), reserved)
}

func TestCancelPendingOrderRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)
	o := placeOrder(t, f, "user-1", 2)

	_, err := f.co.Cancel(ctx, o.ID, "user-1", "")
	require.NoError(t, err)
	onHand, _ := f.counters(t, "sku-a")
	assert.Equal(t, int64(5), onHand)
}

func TestCancelSomeoneElsesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 5)
	o := placeOrder(t, f, "user-1", 1)

	_, err := f.co.Cancel(ctx, o.ID, "user-2", "")
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCartAccess)
}

func TestListMyOrdersPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 100)

	var ids []string
	for i := 0; i < 3; i++ {
		o := placeOrder(t, f, "user-1", 1)
		ids = append(ids, o.ID)
	}
	placeOrder(t, f, "user-2", 1) // someone else's order

	page, err := f.co.ListMyOrders(ctx, "user-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := f.co.ListMyOrders(ctx, "user-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	seen := map[string]bool{}
	for _, o := range append(page, rest...) {
		assert.Equal(t, "user-1", o.UserID)
		seen[o.ID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id])
	}
}

func TestOrderStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "sku-a", "Mug", 1200, 100)

	o1 := placeOrder(t, f, "user-1", 1)
	o2 := placeOrder(t, f, "user-1", 2)
	_, err := f.co.ConfirmPayment(ctx, o1.ID, "user-1", "card")
	require.NoError(t, err)
	_, err = f.co.Cancel(ctx, o2.ID, "user-1", "")
	require.NoError(t, err)

	st, err := f.co.OrderStats(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalOrders)
	assert.Equal(t, int64(1), st.ByStatus[domain.OrderConfirmed])
	assert.Equal(t, int64(1), st.ByStatus[domain.OrderCancelled])
	assert.Equal(t, int64(1200), st.RevenueCents) // cancelled order excluded
}
