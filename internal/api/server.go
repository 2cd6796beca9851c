// Package api exposes the engine over HTTP/JSON. Identity arrives from the
// authentication collaborator as a trusted X-User-ID header; admin calls are
// gated the same way via X-Admin.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/smontoya/stockroom/internal/cart"
	"github.com/smontoya/stockroom/internal/checkout"
	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/ledger"
)

type Server struct {
	log    zerolog.Logger
	carts  *cart.Service
	orders *checkout.Coordinator
	ledger *ledger.Service
}

func NewServer(log zerolog.Logger, carts *cart.Service, orders *checkout.Coordinator, led *ledger.Service) *Server {
	return &Server{
		log:    log.With().Str("component", "api").Logger(),
		carts:  carts,
		orders: orders,
		ledger: led,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /cart", s.withUser(s.getCart))
	mux.HandleFunc("GET /cart/stats", s.withUser(s.getCartStats))
	mux.HandleFunc("GET /cart/validate", s.withUser(s.validateCart))
	mux.HandleFunc("POST /cart/items", s.withUser(s.addToCart))
	mux.HandleFunc("POST /cart/items/quantity", s.withUser(s.updateCartItem))
	mux.HandleFunc("POST /cart/items/remove", s.withUser(s.removeFromCart))
	mux.HandleFunc("POST /cart/clear", s.withUser(s.clearCart))

	mux.HandleFunc("GET /inventory/{sku}", s.getInventoryStatus)

	mux.HandleFunc("POST /checkout", s.withUser(s.createOrder))
	mux.HandleFunc("GET /orders", s.withUser(s.listOrders))
	mux.HandleFunc("GET /orders/stats", s.withUser(s.orderStats))
	mux.HandleFunc("GET /orders/{id}", s.withUser(s.getOrder))
	mux.HandleFunc("POST /orders/{id}/pay", s.withUser(s.payOrder))
	mux.HandleFunc("POST /orders/{id}/cancel", s.withUser(s.cancelOrder))
	mux.HandleFunc("POST /orders/{id}/ship", s.withAdmin(s.shipOrder))
	mux.HandleFunc("POST /orders/{id}/deliver", s.withAdmin(s.deliverOrder))

	mux.HandleFunc("POST /admin/inventory/adjust", s.withAdmin(s.adjustInventory))
	mux.HandleFunc("POST /admin/inventory/restock", s.withAdmin(s.restockInventory))

	return cors.AllowAll().Handler(s.logRequests(mux))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity")
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin") != "true" {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "admin access required")
			return
		}
		h(w, r)
	}
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

// writeDomainError maps the error taxonomy onto codes the client can branch
// on: "out of stock" vs "please log in" vs "fix this field".
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsInsufficientStock(err):
		writeError(w, http.StatusConflict, "INSUFFICIENT_STOCK", err.Error())
	case errors.Is(err, domain.ErrReservationExpired):
		writeError(w, http.StatusConflict, "RESERVATION_EXPIRED", "items changed, please review cart")
	case domain.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, domain.ErrEmptyCart), errors.Is(err, domain.ErrCartNotActive):
		writeError(w, http.StatusBadRequest, "INVALID_CART", err.Error())
	case errors.Is(err, domain.ErrUnauthorizedCartAccess):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return false
	}
	return true
}
