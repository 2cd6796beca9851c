// Package catalog is the boundary to the product catalog collaborator.
// The engine does not own product data; it only asks for SKU metadata at
// reservation time and at order-snapshot time.
package catalog

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/smontoya/stockroom/internal/domain"
)

type SKUInfo struct {
	SKUID          string
	SKUCode        string
	Name           string
	UnitPriceCents int64
}

type Provider interface {
	GetSKU(ctx context.Context, skuID string) (SKUInfo, error)
}

// Cached wraps a Provider with an LRU of metadata snapshots. Ledger reads
// are never cached; catalog metadata tolerates short staleness because
// orders snapshot their own copy at checkout anyway.
type Cached struct {
	inner Provider
	cache *lru.Cache[string, SKUInfo]
}

func NewCached(inner Provider, size int) (*Cached, error) {
	c, err := lru.New[string, SKUInfo](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: c}, nil
}

func (c *Cached) GetSKU(ctx context.Context, skuID string) (SKUInfo, error) {
	if info, ok := c.cache.Get(skuID); ok {
		return info, nil
	}
	info, err := c.inner.GetSKU(ctx, skuID)
	if err != nil {
		return SKUInfo{}, err
	}
	c.cache.Add(skuID, info)
	return info, nil
}

// Invalidate drops one entry, e.g. after a price-change notification.
func (c *Cached) Invalidate(skuID string) { c.cache.Remove(skuID) }

// Static is an in-memory catalog, used at startup seeding and in tests.
type Static struct {
	mu   sync.RWMutex
	skus map[string]SKUInfo
}

func NewStatic() *Static {
	return &Static{skus: map[string]SKUInfo{}}
}

func (s *Static) Put(info SKUInfo) {
	s.mu.Lock()
	s.skus[info.SKUID] = info
	s.mu.Unlock()
}

func (s *Static) GetSKU(_ context.Context, skuID string) (SKUInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.skus[skuID]
	if !ok {
		return SKUInfo{}, domain.ErrNotFound
	}
	return info, nil
}
