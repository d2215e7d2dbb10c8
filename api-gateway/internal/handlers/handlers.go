package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/api-gateway/internal/service"
	"github.com/aaronwang/carbon-exchange/shared/auction"
	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/inventory"
	"github.com/aaronwang/carbon-exchange/shared/metrics"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// UserHeader carries the caller's user id, set by the edge proxy after
// authentication.
const UserHeader = "X-User-ID"

// Deps wires a Handler.
type Deps struct {
	Bidding  *service.BiddingService
	Auctions *auction.Service
	Listings *inventory.Controller
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Ping     func(ctx context.Context) error
	Log      zerolog.Logger
	Now      func() time.Time
}

// Handler contains HTTP request handlers
type Handler struct {
	bidding  *service.BiddingService
	auctions *auction.Service
	listings *inventory.Controller
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	ping     func(ctx context.Context) error
	log      zerolog.Logger
	now      func() time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Ping == nil {
		d.Ping = func(context.Context) error { return nil }
	}
	return &Handler{
		bidding:  d.Bidding,
		auctions: d.Auctions,
		listings: d.Listings,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		ping:     d.Ping,
		log:      d.Log,
		now:      d.Now,
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check and metrics
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if h.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/listings", h.CreateListing).Methods("POST")
	api.HandleFunc("/listings/{id}", h.GetListing).Methods("GET")
	api.HandleFunc("/listings/{id}/status", h.SetListingStatus).Methods("POST")

	api.HandleFunc("/auctions", h.CreateAuction).Methods("POST")
	api.HandleFunc("/auctions", h.SearchAuctions).Methods("GET")
	api.HandleFunc("/auctions/{id}", h.GetAuction).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", h.GetBids).Methods("GET")
	api.HandleFunc("/auctions/{id}/bid", h.PlaceBid).Methods("POST")
	api.HandleFunc("/auctions/{id}/buy-now", h.BuyNow).Methods("POST")
	api.HandleFunc("/auctions/{id}/cancel", h.CancelAuction).Methods("POST")

	api.HandleFunc("/sellers/{id}/auctions", h.GetSellerAuctions).Methods("GET")
	api.HandleFunc("/bidders/{id}/bids", h.GetBidderBids).Methods("GET")

	// Middleware
	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.ping(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("health check failed")
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status":  status,
		"service": "api-gateway",
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}

// --- Listings ---

// CreateListing stores a new listing owned by the caller
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.CreateListingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	l, err := h.listings.CreateListing(r.Context(), userID, req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, l)
}

// GetListing returns one listing
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

// SetListingStatus moves the caller's listing between draft, active and paused
func (h *Handler) SetListingStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.ListingStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	l, err := h.listings.SetStatus(r.Context(), mux.Vars(r)["id"], userID, req.Status)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

// --- Auctions ---

// auctionView adds the next acceptable bid to an auction
type auctionView struct {
	models.Auction
	MinimumNextBid decimal.NullDecimal `json:"minimum_next_bid_eur"`
}

func view(a models.Auction) auctionView {
	v := auctionView{Auction: a}
	if a.Status == models.AuctionStatusActive {
		v.MinimumNextBid = decimal.NewNullDecimal(a.MinimumBid())
	}
	return v
}

func views(list []models.Auction) []auctionView {
	out := make([]auctionView, len(list))
	for i, a := range list {
		out[i] = view(a)
	}
	return out
}

// CreateAuction opens an auction over part of the caller's listing
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.CreateAuctionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.auctions.Create(r.Context(), userID, auction.ParamsFromRequest(req, h.now().UTC()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, view(a))
}

// SearchAuctions filters by status, seller_id and max_current_bid
func (h *Handler) SearchAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := auction.SearchParams{
		Status:   q.Get("status"),
		SellerID: q.Get("seller_id"),
	}
	if raw := q.Get("max_current_bid"); raw != "" {
		ceiling, err := decimal.NewFromString(raw)
		if err != nil {
			respondMessage(w, http.StatusBadRequest, "max_current_bid must be a decimal number")
			return
		}
		p.MaxCurrentBid = decimal.NewNullDecimal(ceiling)
	}
	var ok bool
	if p.Limit, ok = intParam(w, r, "limit"); !ok {
		return
	}
	if p.Offset, ok = intParam(w, r, "offset"); !ok {
		return
	}

	list, err := h.auctions.Search(r.Context(), p)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, views(list))
}

// GetAuction returns one auction
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.auctions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view(a))
}

// GetBids returns an auction's bids, highest first
func (h *Handler) GetBids(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	bids, err := h.auctions.Bids(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bids)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.BidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.bidding.PlaceBid(r.Context(), mux.Vars(r)["id"], userID, &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// BuyNow buys the auction outright at its buy-now price
func (h *Handler) BuyNow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.BidRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.bidding.BuyNow(r.Context(), mux.Vars(r)["id"], userID, req.PlacedBy)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// CancelAuction withdraws the caller's auction before anyone bids
func (h *Handler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	a, err := h.auctions.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if a.SellerID != userID {
		respondMessage(w, http.StatusForbidden, "Only the seller can cancel an auction")
		return
	}
	if a, err = h.auctions.Cancel(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view(a))
}

// GetSellerAuctions lists a seller's auctions, newest first
func (h *Handler) GetSellerAuctions(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	list, err := h.auctions.GetBySeller(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, views(list))
}

// GetBidderBids lists a bidder's bids, newest first
func (h *Handler) GetBidderBids(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	bids, err := h.auctions.BidsByBidder(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bids)
}

// --- Helpers ---

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		respondMessage(w, http.StatusUnauthorized, UserHeader+" header is required")
		return "", false
	}
	return userID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondMessage(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondMessage sends an error response without an engine error code
func respondMessage(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, models.ErrorResponse{Error: message})
}

// respondError maps an engine error onto its HTTP status. Internal errors
// are logged and not echoed to the caller.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	message := err.Error()
	if code == errs.Internal {
		h.log.Error().Err(err).Msg("request failed")
		message = "Internal error"
	}
	respondJSON(w, code.HTTPStatus(), models.ErrorResponse{
		Error:     message,
		Code:      string(code),
		Retryable: errs.IsRetryable(err),
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs and counts all HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if h.metrics != nil {
			h.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		}
		h.log.Debug().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// corsMiddleware adds CORS headers (for development)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
