package ginserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gigdeal/internal/app/dto"
	"gigdeal/internal/domain/negotiation"
)

const (
	pushWriteTimeout = 5 * time.Second
	pushPongWait     = 60 * time.Second
	pushPingInterval = 25 * time.Second
	pushSendBuffer   = 16
)

// PushHub keeps websocket sessions grouped by party and pushes every changed
// snapshot to both parties of the conversation.
type PushHub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]map[*pushClient]struct{}
	closed  bool
}

type pushClient struct {
	party     string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewPushHub(logger *slog.Logger) *PushHub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PushHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: map[string]map[*pushClient]struct{}{},
	}
}

// Serve upgrades an authenticated request and pumps frames until either side
// goes away.
func (h *PushHub) Serve(c *gin.Context) {
	p, ok := requireParty(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "party_id", p.PartyID, "error", err)
		return
	}
	client := &pushClient{
		party: p.PartyID,
		conn:  conn,
		send:  make(chan []byte, pushSendBuffer),
		done:  make(chan struct{}),
	}
	if !h.register(client) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(pushWriteTimeout))
		_ = conn.Close()
		return
	}
	h.logger.Debug("push client connected", "party_id", client.party)
	go h.writeLoop(client)
	h.readLoop(client)
}

// ConversationUpdated implements the chat notifier.
func (h *PushHub) ConversationUpdated(ctx context.Context, eventType string, conv negotiation.Conversation) {
	frame, err := json.Marshal(dto.PushEnvelope{Type: eventType, Data: dto.FromConversation(conv)})
	if err != nil {
		h.logger.Error("encode push frame failed", "conversation_id", conv.ID, "error", err)
		return
	}
	h.mu.Lock()
	var targets []*pushClient
	for _, party := range []string{conv.Host.ID, conv.Artist.ID} {
		for client := range h.clients[party] {
			targets = append(targets, client)
		}
	}
	h.mu.Unlock()

	for _, client := range targets {
		select {
		case client.send <- frame:
		case <-client.done:
		default:
			h.logger.Warn("push client too slow, dropping", "party_id", client.party)
			h.drop(client)
		}
	}
}

// Connections reports how many sessions party currently holds.
func (h *PushHub) Connections(party string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[party])
}

// Close disconnects every client and refuses new ones.
func (h *PushHub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*pushClient
	for _, set := range h.clients {
		for client := range set {
			all = append(all, client)
		}
	}
	h.mu.Unlock()
	for _, client := range all {
		h.drop(client)
	}
}

func (h *PushHub) register(client *pushClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.clients[client.party]
	if set == nil {
		set = map[*pushClient]struct{}{}
		h.clients[client.party] = set
	}
	set[client] = struct{}{}
	return true
}

func (h *PushHub) drop(client *pushClient) {
	h.mu.Lock()
	if set, ok := h.clients[client.party]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, client.party)
		}
	}
	h.mu.Unlock()
	client.closeOnce.Do(func() { close(client.done) })
}

// readLoop only services control frames; clients never send data.
func (h *PushHub) readLoop(client *pushClient) {
	defer func() {
		h.drop(client)
		_ = client.conn.Close()
		h.logger.Debug("push client disconnected", "party_id", client.party)
	}()
	_ = client.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *PushHub) writeLoop(client *pushClient) {
	ticker := time.NewTicker(pushPingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case frame := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pushWriteTimeout)); err != nil {
				h.drop(client)
				return
			}
		case <-client.done:
			_ = client.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(pushWriteTimeout))
			return
		}
	}
}
