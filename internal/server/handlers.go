package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tournevent/shipsync/internal/booking"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/quote"
	"github.com/tournevent/shipsync/internal/shipment"
	"github.com/tournevent/shipsync/pkg/shipper"
	"go.uber.org/zap"
)

// ApiResponse is the envelope of every JSON API reply.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Code is the carrier error category, when the failure came from the API.
	Code string `json:"code,omitempty"`
}

// QuoteResponse is a quote with its offers, cheapest first.
type QuoteResponse struct {
	Quote     *domain.Quote   `json:"quote"`
	Offers    []*domain.Offer `json:"offers"`
	BestPrice *int64          `json:"best_price,omitempty"`
}

func (s *Server) createQuoteHandler(w http.ResponseWriter, r *http.Request) {
	var cart quote.CartContext
	if err := json.NewDecoder(r.Body).Decode(&cart); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if cart.CartID == "" {
		s.respondWithError(w, http.StatusBadRequest, "cart_id is required")
		return
	}

	q, err := s.deps.Quotes.GetOrCreate(r.Context(), cart)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithQuote(w, r, http.StatusOK, q)
}

func (s *Server) listOffersHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	offers, err := s.deps.Offers.Offers(r.Context(), id)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	resp := QuoteResponse{Offers: offers}
	if price, ok, err := s.deps.Offers.BestPrice(r.Context(), id); err == nil && ok {
		resp.BestPrice = &price
	}
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: resp})
}

func (s *Server) respondWithQuote(w http.ResponseWriter, r *http.Request, code int, q *domain.Quote) {
	offers, err := s.deps.Offers.Offers(r.Context(), q.ID)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	resp := QuoteResponse{Quote: q, Offers: offers}
	if len(offers) > 0 {
		resp.BestPrice = &offers[0].TotalPrice
	}
	s.respondWithJSON(w, code, ApiResponse{Success: true, Data: resp})
}

func (s *Server) invalidateQuotesHandler(w http.ResponseWriter, r *http.Request) {
	s.deps.Quotes.Invalidate(r.Context(), mux.Vars(r)["cartID"])
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true})
}

func (s *Server) listRelaysHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	near := shipper.LocationQuery{
		Street:     q.Get("street"),
		City:       q.Get("city"),
		PostalCode: q.Get("postal_code"),
		Country:    q.Get("country"),
	}
	if near.PostalCode == "" && near.City == "" {
		s.respondWithError(w, http.StatusBadRequest, "city or postal_code is required")
		return
	}
	if near.Country == "" {
		near.Country = "FR"
	}

	locations, err := s.deps.API.GetDeliveryLocations(r.Context(), mux.Vars(r)["id"], near)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: locations})
}

// ============================================================================
// Shipments
// ============================================================================

func (s *Server) createShipmentHandler(w http.ResponseWriter, r *http.Request) {
	var order shipment.OrderSnapshot
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	sh, err := s.deps.Shipments.CreateFromOrder(r.Context(), order)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: sh})
}

func (s *Server) getShipmentHandler(w http.ResponseWriter, r *http.Request) {
	details, err := s.deps.Shipments.Details(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: details})
}

func (s *Server) getLabelsHandler(w http.ResponseWriter, r *http.Request) {
	labels, err := s.deps.Shipments.Labels(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: labels})
}

type bookRequest struct {
	// CollectionDate is a YYYY-MM-DD pickup day.
	CollectionDate string `json:"collection_date"`
}

func (s *Server) bookShipmentHandler(w http.ResponseWriter, r *http.Request) {
	var body bookRequest
	if !s.decodeOptional(w, r, &body) {
		return
	}

	req := booking.BookRequest{ShipmentID: mux.Vars(r)["id"]}
	if body.CollectionDate != "" {
		day, err := time.Parse(time.DateOnly, body.CollectionDate)
		if err != nil {
			s.respondWithError(w, http.StatusBadRequest, "collection_date must be YYYY-MM-DD")
			return
		}
		req.CollectionDate = &day
	}

	res, err := s.deps.Booking.Book(r.Context(), req)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: res})
}

func (s *Server) cancelShipmentHandler(w http.ResponseWriter, r *http.Request) {
	sh, err := s.deps.Machine.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: sh})
}

type syncResponse struct {
	Changed bool `json:"changed"`
}

func (s *Server) syncShipmentHandler(w http.ResponseWriter, r *http.Request) {
	changed, err := s.deps.Tracking.SyncStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: syncResponse{Changed: changed}})
}

type returnRequest struct {
	ServiceID string `json:"service_id"`
}

func (s *Server) createReturnHandler(w http.ResponseWriter, r *http.Request) {
	var body returnRequest
	if !s.decodeOptional(w, r, &body) {
		return
	}

	ret, err := s.deps.Shipments.CreateReturn(r.Context(), mux.Vars(r)["id"], body.ServiceID)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: ret})
}

// decodeOptional decodes a JSON body when one is sent.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.respondWithError(w, http.StatusBadRequest, "Invalid request payload")
	return false
}

// ============================================================================
// Responses
// ============================================================================

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *shipper.APIError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quote.ErrNoOffer):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyShipped):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConfiguration), errors.Is(err, shipper.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr), errors.Is(err, shipper.ErrEmptyResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := ApiResponse{Success: false, Error: err.Error()}

	var apiErr *shipper.APIError
	if errors.As(err, &apiErr) {
		resp.Code = string(apiErr.Category)
		resp.Error = apiErr.UserMessage()
	}
	if code == http.StatusInternalServerError {
		s.logger.Ctx(r.Context()).Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Error = "internal error"
	}
	s.respondWithJSON(w, code, resp)
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, ApiResponse{
		Success: false,
		Error:   message,
	})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
