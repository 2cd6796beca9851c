package api

import (
	"net/http"
	"strconv"

	"github.com/smontoya/stockroom/internal/checkout"
	"github.com/smontoya/stockroom/internal/domain"
)

// cart

func (s *Server) getCart(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := s.carts.GetOrCreate(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) getCartStats(w http.ResponseWriter, r *http.Request, userID string) {
	st, err := s.carts.Stats(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) validateCart(w http.ResponseWriter, r *http.Request, userID string) {
	checks, ok, err := s.carts.ValidateInventory(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fulfillable": ok, "items": checks})
}

type cartItemReq struct {
	SKUID    string `json:"sku_id"`
	Quantity int64  `json:"quantity"`
}

func (s *Server) addToCart(w http.ResponseWriter, r *http.Request, userID string) {
	var req cartItemReq
	if !readJSON(w, r, &req) {
		return
	}
	if req.SKUID == "" || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "sku_id and positive quantity required")
		return
	}
	c, err := s.carts.AddItem(r.Context(), userID, req.SKUID, req.Quantity)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateCartItem(w http.ResponseWriter, r *http.Request, userID string) {
	var req cartItemReq
	if !readJSON(w, r, &req) {
		return
	}
	if req.SKUID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "sku_id required")
		return
	}
	c, err := s.carts.UpdateItemQuantity(r.Context(), userID, req.SKUID, req.Quantity)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) removeFromCart(w http.ResponseWriter, r *http.Request, userID string) {
	var req cartItemReq
	if !readJSON(w, r, &req) {
		return
	}
	c, err := s.carts.RemoveItem(r.Context(), userID, req.SKUID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := s.carts.Clear(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// inventory

func (s *Server) getInventoryStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetBySKU(r.Context(), r.PathValue("sku"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sku_id":    rec.SKUID,
		"available": rec.AvailableQty,
		"status":    rec.Status,
	})
}

// orders

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var in checkout.Input
	if !readJSON(w, r, &in) {
		return
	}
	o, err := s.orders.CreateOrderFromCart(r.Context(), userID, in)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request, userID string) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))
	orders, err := s.orders.ListMyOrders(r.Context(), userID, skip, take)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) orderStats(w http.ResponseWriter, r *http.Request, userID string) {
	st, err := s.orders.OrderStats(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := s.orders.GetOrder(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) payOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Method string `json:"method"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	o, err := s.orders.ConfirmPayment(r.Context(), r.PathValue("id"), userID, req.Method)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	o, err := s.orders.Cancel(r.Context(), r.PathValue("id"), userID, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) shipOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.MarkAsShipped(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) deliverOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.MarkAsDelivered(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// admin inventory

func (s *Server) adjustInventory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKUID  string `json:"sku_id"`
		Delta  int64  `json:"delta"`
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	rec, err := s.ledger.AdjustOnHand(r.Context(), req.SKUID, req.Delta, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) restockInventory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKUID    string `json:"sku_id"`
		Quantity int64  `json:"quantity"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	rec, err := s.ledger.Restock(r.Context(), req.SKUID, req.Quantity)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
