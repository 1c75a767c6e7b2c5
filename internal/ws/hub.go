package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tunables
// ──────────────────────────────────────────────────────────────────────────────

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 2048             // bytes; bet:place frames are small
	sendBufferSize = 256              // messages in each client send channel
	betCallTimeout = 5 * time.Second  // ceiling on one engine round-trip
)

// BetPlacer is the engine surface the gateway needs: everything else flows
// the other way, engine → hub.
type BetPlacer interface {
	PlaceBet(ctx context.Context, userID string, req domain.BetRequest) (*domain.BetReceipt, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client represents one connected WebSocket endpoint.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte // buffered outbound message queue
	userID string      // "anon-" prefixed for guests
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub maintains the set of active clients, routes broadcast messages, and
// forwards bet:place frames to the engine. Run() must be called in a
// dedicated goroutine before ServeWs is used.
type Hub struct {
	// Registered clients and their concurrency guard.
	mu      sync.RWMutex
	clients map[*Client]bool

	// channels consumed by Run()
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// JWT signing key. A missing or invalid token downgrades the connection
	// to a fresh guest identity rather than rejecting it.
	jwtSecret []byte

	placer BetPlacer

	// upgrader is safe for concurrent use after construction.
	upgrader websocket.Upgrader
}

// NewHub creates a Hub ready to be started with Run().
func NewHub(jwtSecret []byte, allowedOrigins []string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 512),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		jwtSecret:  jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true // dev mode: allow all
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// SetBetPlacer wires the engine in after construction (the engine needs the
// hub as its Broadcaster, so the two are connected in two steps).
func (h *Hub) SetBetPlacer(p BetPlacer) { h.placer = p }

// ──────────────────────────────────────────────────────────────────────────────
// Run — hub event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes registration, unregistration, and broadcast events
// sequentially. Call it once as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's buffer full — drop the message for this client.
					// The writePump will detect a stalled connection separately.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs — HTTP → WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs upgrades an HTTP request to a WebSocket connection, authenticates
// the caller via a JWT in the ?token= query parameter (falling back to a
// guest identity), and starts the read/write pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws.ServeWs: upgrade failed: %v", err)
		return
	}

	userID := ""
	if token := r.URL.Query().Get("token"); token != "" && len(h.jwtSecret) > 0 {
		userID = h.parseJWT(token)
	}
	if userID == "" {
		userID = domain.AnonIDPrefix + uuid.NewString()
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// parseJWT extracts the subject from a signed token. Returns "" on any
// failure, which downgrades the connection to a guest.
func (h *Hub) parseJWT(tokenString string) string {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return ""
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

// ──────────────────────────────────────────────────────────────────────────────
// Client pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the client's send channel and writes messages to the
// WebSocket connection. It also sends ping frames every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the WebSocket connection and dispatches
// bet:place frames to the engine. Anything unrecognised is dropped. When the
// connection fails the client is unregistered.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws.readPump: unexpected close for user %s: %v", c.userID, err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.hub.SendError(c, "BAD_FRAME", "frames must be JSON envelopes with a type field")
			continue
		}
		switch frame.Type {
		case MsgTypePlaceBet:
			c.handlePlaceBet(frame.Payload)
		default:
			c.hub.SendError(c, "UNKNOWN_TYPE", "unsupported message type: "+string(frame.Type))
		}
	}
}

// handlePlaceBet forwards one bet to the engine and answers the requesting
// client directly: a rejection frame on failure, nothing on success (the
// broadcast bet:placed is the acknowledgement).
func (c *Client) handlePlaceBet(payload json.RawMessage) {
	if c.hub.placer == nil {
		c.hub.SendError(c, "UNAVAILABLE", "bet intake is not running")
		return
	}
	var req domain.BetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.hub.sendJSON(c, BetRejectedMessage{
			Type:    MsgTypeBetRejected,
			Code:    "BAD_REQUEST",
			Message: "malformed bet payload",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), betCallTimeout)
	defer cancel()
	if _, err := c.hub.placer.PlaceBet(ctx, c.userID, req); err != nil {
		c.hub.sendJSON(c, BetRejectedMessage{
			Type:    MsgTypeBetRejected,
			OrderID: req.TrimmedOrderID(),
			Code:    domain.CodeOf(err),
			Message: err.Error(),
		})
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Engine-facing broadcast methods (service.Broadcaster, settlement Notifier)
// ──────────────────────────────────────────────────────────────────────────────

// BroadcastRoundStart announces a fresh round.
func (h *Hub) BroadcastRoundStart(round *domain.Round, bettingDuration, maxDuration time.Duration) {
	h.broadcastJSON(RoundStartMessage{
		Type:            MsgTypeRoundStart,
		RoundID:         round.ID,
		Asset:           round.Asset,
		StartPrice:      round.StartPrice,
		StartedAt:       round.StartedAt,
		BettingDuration: bettingDuration.Seconds(),
		MaxDuration:     maxDuration.Seconds(),
		Timestamp:       time.Now().UTC(),
	})
}

// BroadcastRoundTick fans the live projection out to all clients.
func (h *Hub) BroadcastRoundTick(st domain.RoundState) {
	h.broadcastJSON(RoundTickMessage{
		Type:         MsgTypeRoundTick,
		RoundID:      st.RoundID,
		Status:       st.Status,
		Elapsed:      st.Elapsed,
		CurrentPrice: st.CurrentPrice,
		CurrentRow:   st.CurrentRow,
		ActiveBets:   st.ActiveBets,
		Timestamp:    time.Now().UTC(),
	})
}

// BroadcastRoundEnd announces a terminal round.
func (h *Hub) BroadcastRoundEnd(roundID uuid.UUID, reason domain.EndReason) {
	h.broadcastJSON(RoundEndMessage{
		Type:      MsgTypeRoundEnd,
		RoundID:   roundID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// BroadcastBetPlaced announces an accepted bet.
func (h *Hub) BroadcastBetPlaced(bet *domain.Bet) {
	h.broadcastJSON(BetPlacedMessage{
		Type:       MsgTypeBetPlaced,
		BetID:      bet.ID,
		OrderID:    bet.OrderID,
		UserID:     bet.UserID,
		RoundID:    bet.RoundID,
		Amount:     bet.Amount.Decimal(),
		Multiplier: bet.Multiplier,
		TargetRow:  bet.TargetRow,
		TargetTime: bet.TargetTime,
		IsPlayMode: bet.IsPlayMode,
		Timestamp:  time.Now().UTC(),
	})
}

// BroadcastBetSettled announces a settlement outcome (settlement Notifier).
func (h *Hub) BroadcastBetSettled(bet *domain.Bet, isWin bool, hit *domain.HitDetails) {
	h.broadcastJSON(BetSettledMessage{
		Type:      MsgTypeBetSettled,
		BetID:     bet.ID,
		OrderID:   bet.OrderID,
		UserID:    bet.UserID,
		RoundID:   bet.RoundID,
		IsWin:     isWin,
		Payout:    bet.Payout.Decimal(),
		Hit:       hit,
		Timestamp: time.Now().UTC(),
	})
}

// BroadcastPriceCriticalCancel warns clients before the cancel's round:end.
func (h *Hub) BroadcastPriceCriticalCancel(roundID uuid.UUID, detail string) {
	h.broadcastJSON(PriceCriticalCancelMessage{
		Type:      MsgTypePriceCriticalCancel,
		RoundID:   roundID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// broadcastJSON is the common marshalling path.
func (h *Hub) broadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("ws.Hub: marshal error: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("ws.Hub: broadcast channel full, message dropped")
	}
}

// sendJSON writes a message directly to one client's send channel.
func (h *Hub) sendJSON(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// SendError writes an error message directly to one client.
func (h *Hub) SendError(client *Client, code, message string) {
	h.sendJSON(client, ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	})
}
