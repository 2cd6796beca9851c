// Package store opens the sqlite database and owns the schema.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver
)

// Open returns a migrated connection. busy_timeout avoids "database is
// locked" under write contention; a single writer connection keeps every
// read-check-write transaction serialized per database.
func Open(dbPath string) (*sql.DB, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS inventory(
  sku_id              TEXT PRIMARY KEY,
  on_hand_qty         INTEGER NOT NULL DEFAULT 0 CHECK (on_hand_qty >= 0),
  reserved_qty        INTEGER NOT NULL DEFAULT 0 CHECK (reserved_qty >= 0),
  low_stock_threshold INTEGER NOT NULL DEFAULT 5,
  last_restock_unix   INTEGER NOT NULL DEFAULT 0,
  updated_unix        INTEGER NOT NULL DEFAULT 0,
  CHECK (on_hand_qty >= reserved_qty)
);

CREATE TABLE IF NOT EXISTS inventory_locks(
  id           TEXT PRIMARY KEY,
  sku_id       TEXT NOT NULL REFERENCES inventory(sku_id),
  cart_id      TEXT NOT NULL,
  qty          INTEGER NOT NULL CHECK (qty > 0),
  reason       TEXT NOT NULL,
  expires_unix INTEGER NOT NULL,
  created_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_locks_sku    ON inventory_locks(sku_id);
CREATE INDEX IF NOT EXISTS idx_locks_cart   ON inventory_locks(cart_id);
CREATE INDEX IF NOT EXISTS idx_locks_expiry ON inventory_locks(expires_unix);

CREATE TABLE IF NOT EXISTS carts(
  id           TEXT PRIMARY KEY,
  user_id      TEXT NOT NULL,
  status       TEXT NOT NULL,
  created_unix INTEGER NOT NULL,
  updated_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_carts_user ON carts(user_id, status);

CREATE TABLE IF NOT EXISTS cart_items(
  id               TEXT PRIMARY KEY,
  cart_id          TEXT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
  sku_id           TEXT NOT NULL,
  name             TEXT NOT NULL DEFAULT '',
  unit_price_cents INTEGER NOT NULL DEFAULT 0,
  qty              INTEGER NOT NULL CHECK (qty > 0),
  reservation_id   TEXT NOT NULL DEFAULT '',
  UNIQUE(cart_id, sku_id)
);
CREATE INDEX IF NOT EXISTS idx_cart_items_cart ON cart_items(cart_id);

CREATE TABLE IF NOT EXISTS orders(
  id               TEXT PRIMARY KEY,
  user_id          TEXT NOT NULL,
  cart_id          TEXT NOT NULL,
  status           TEXT NOT NULL,
  subtotal_cents   INTEGER NOT NULL,
  tax_cents        INTEGER NOT NULL DEFAULT 0,
  shipping_cents   INTEGER NOT NULL DEFAULT 0,
  discount_cents   INTEGER NOT NULL DEFAULT 0,
  total_cents      INTEGER NOT NULL,
  payment_method   TEXT NOT NULL DEFAULT '',
  paid_unix        INTEGER NOT NULL DEFAULT 0,
  shipping_name    TEXT NOT NULL DEFAULT '',
  shipping_address TEXT NOT NULL DEFAULT '',
  created_unix     INTEGER NOT NULL,
  updated_unix     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, status);

CREATE TABLE IF NOT EXISTS order_items(
  id                  TEXT PRIMARY KEY,
  order_id            TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  sku_id              TEXT NOT NULL,
  sku_code            TEXT NOT NULL DEFAULT '',
  name                TEXT NOT NULL DEFAULT '',
  unit_price_cents    INTEGER NOT NULL,
  qty                 INTEGER NOT NULL,
  line_discount_cents INTEGER NOT NULL DEFAULT 0,
  line_total_cents    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// helpers shared by the repositories

func Placeholders(n int) string {
	s := "?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s
}

func ToAny[T any](xs []T) []any {
	out := make([]any, len(xs))
	for i, v := range xs {
		out[i] = v
	}
	return out
}
