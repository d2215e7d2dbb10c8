package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development (use proper CORS in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager *Manager
	ping    func(ctx context.Context) error
	log     zerolog.Logger
}

// NewHandler creates a new WebSocket handler. ping checks the upstream feed
// for /health and may be nil.
func NewHandler(manager *Manager, ping func(ctx context.Context) error, log zerolog.Logger) *Handler {
	if ping == nil {
		ping = func(context.Context) error { return nil }
	}
	return &Handler{
		manager: manager,
		ping:    ping,
		log:     log,
	}
}

// SetupRoutes configures WebSocket routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// WebSocket endpoint: /ws/auctions/{id}
	router.HandleFunc("/ws/auctions/{id}", h.HandleWebSocket)

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Stats endpoint
	router.HandleFunc("/stats/auctions/{id}", h.GetStats).Methods("GET")

	return router
}

type welcome struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
	ClientID  string `json:"client_id"`
}

// HandleWebSocket upgrades HTTP connection to WebSocket
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]

	// Upgrade connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := NewClient(uuid.New().String(), auctionID, conn)

	// Queue the welcome message before the client becomes visible to broadcasts
	msg, _ := json.Marshal(welcome{Type: "connected", AuctionID: auctionID, ClientID: client.ID})
	client.Send <- msg

	if !h.manager.RegisterClient(client) {
		conn.Close()
		return
	}

	// Start reading from client (handles disconnects)
	client.StartReadPump(h.manager)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.ping(r.Context()); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status, "service": "broadcast-service"})
}

// GetStats returns statistics for an auction
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	respondJSON(w, http.StatusOK, map[string]any{
		"auction_id":  auctionID,
		"subscribers": h.manager.GetSubscriberCount(auctionID),
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
