// WebSocket webchat channel

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocket frame types
const (
	MsgTypeChat    = "chat"
	MsgTypeReply   = "reply"
	MsgTypeContent = "content"
	MsgTypeError   = "error"
	MsgTypePing    = "ping"
	MsgTypePong    = "pong"
)

// WSFrame is the JSON envelope exchanged with webchat clients.
type WSFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	Text        string          `json:"text,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
}

const (
	wsReadLimit    = 1 << 20
	wsWriteTimeout = 5 * time.Second
	maxConnsPerIP  = 10
)

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // coder/websocket is not safe for concurrent writes
}

func (c *wsConn) writeFrame(ctx context.Context, frame WSFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// WebChat serves browser chat sessions over WebSocket. Each connection is one
// conversation; replies are routed back by conversation id. Implements Sender.
type WebChat struct {
	handler  Handler
	maxConns int32

	connCount atomic.Int32

	mu      sync.Mutex
	conns   map[string]*wsConn // conversation id -> connection
	ipConns map[string]int32
}

// NewWebChat creates a webchat channel delivering inbound messages to handler.
func NewWebChat(handler Handler) *WebChat {
	return &WebChat{
		handler:  handler,
		maxConns: 256,
		conns:    make(map[string]*wsConn),
		ipConns:  make(map[string]int32),
	}
}

// HandleWebSocket handles WebSocket upgrade requests.
func (g *WebChat) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.connCount.Add(1) > g.maxConns {
		g.connCount.Add(-1)
		http.Error(w, "too many WebSocket connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	g.mu.Lock()
	g.ipConns[ip]++
	if g.ipConns[ip] > maxConnsPerIP {
		g.ipConns[ip]--
		g.mu.Unlock()
		g.connCount.Add(-1)
		http.Error(w, "too many connections from this IP", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Printf("[WS] Accept error: %v", err)
		g.dropIP(ip)
		g.connCount.Add(-1)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	g.serveConn(r.Context(), conn, ip)
}

func (g *WebChat) serveConn(ctx context.Context, conn *websocket.Conn, ip string) {
	convoID := "webchat:" + uuid.NewString()
	wc := &wsConn{conn: conn}

	g.mu.Lock()
	g.conns[convoID] = wc
	g.mu.Unlock()

	defer func() {
		conn.Close(websocket.StatusNormalClosure, "")
		g.mu.Lock()
		delete(g.conns, convoID)
		g.mu.Unlock()
		g.dropIP(ip)
		g.connCount.Add(-1)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Ping loop to detect dead connections
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wc.writeFrame(ctx, WSFrame{Type: MsgTypePing}); err != nil {
					log.Printf("[WS] Ping failed, closing connection: %v", err)
					cancel()
					return
				}
			}
		}
	}()

	log.Printf("[WS] Connection open: %s (ip=%s)", convoID, ip)

	for {
		_, msgBytes, err := conn.Read(ctx)
		if err != nil {
			log.Printf("[WS] Read error: %v", err)
			return
		}

		var frame WSFrame
		if err := json.Unmarshal(msgBytes, &frame); err != nil {
			_ = wc.writeFrame(ctx, WSFrame{Type: MsgTypeError, Error: "invalid message format"})
			continue
		}

		switch frame.Type {
		case MsgTypeChat:
			msg := InboundMessage{
				ID:             frame.ID,
				ConversationID: convoID,
				SenderID:       senderOf(frame, convoID),
				Text:           frame.Text,
			}
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			// Handle off the read loop so ping/pong stays responsive while
			// the LLM call is in flight.
			go g.handler.HandleMessage(ctx, msg, g)
		case MsgTypePing:
			if err := wc.writeFrame(ctx, WSFrame{Type: MsgTypePong}); err != nil {
				log.Printf("[WS] Pong write failed, closing connection: %v", err)
				return
			}
		case MsgTypePong:
			// Connection alive, do nothing
		default:
			log.Printf("[WS] Unknown message type: %s", frame.Type)
		}
	}
}

// SendText delivers a plain text reply to the conversation's connection.
func (g *WebChat) SendText(ctx context.Context, conversationID, text string) error {
	wc, err := g.lookup(conversationID)
	if err != nil {
		return err
	}
	return wc.writeFrame(ctx, WSFrame{Type: MsgTypeReply, Text: text})
}

// SendContent delivers a structured payload to the conversation's connection.
func (g *WebChat) SendContent(ctx context.Context, conversationID string, contentType ContentTypeID, payload interface{}) error {
	wc, err := g.lookup(conversationID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return wc.writeFrame(ctx, WSFrame{
		Type:        MsgTypeContent,
		ContentType: string(contentType),
		Payload:     data,
	})
}

func (g *WebChat) lookup(conversationID string) (*wsConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	wc, ok := g.conns[conversationID]
	if !ok {
		return nil, fmt.Errorf("no open connection for conversation %s", conversationID)
	}
	return wc, nil
}

func (g *WebChat) dropIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ipConns[ip]--
	if g.ipConns[ip] <= 0 {
		delete(g.ipConns, ip)
	}
}

func senderOf(frame WSFrame, convoID string) string {
	if frame.Sender != "" {
		return frame.Sender
	}
	return convoID
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
