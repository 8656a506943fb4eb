// Relay channel - outbound WebSocket connection to the messaging network

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// relayFrame is the envelope exchanged with the relay node.
type relayFrame struct {
	Op             string          `json:"op"` // "message", "send", "ack", "error"
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	Text           string          `json:"text,omitempty"`
	ContentType    string          `json:"contentType,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IsGroup        bool            `json:"isGroup,omitempty"`
	MentionsAgent  bool            `json:"mentionsAgent,omitempty"`
	ReplyToAgent   bool            `json:"replyToAgent,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Relay maintains a client connection to a relay node and delivers inbound
// messages to the handler. Implements Sender. The connection is re-dialed
// with capped backoff until Stop is called.
type Relay struct {
	url         string
	identityKey string
	handler     Handler
	dialer      *websocket.Dialer

	mu      sync.Mutex // guards conn; gorilla/websocket allows one writer
	conn    *websocket.Conn
	stopped bool
	stopCh  chan struct{}
}

// NewRelay creates a relay channel for the given node URL.
func NewRelay(url, identityKey string, handler Handler) *Relay {
	return &Relay{
		url:         url,
		identityKey: identityKey,
		handler:     handler,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		stopCh:      make(chan struct{}),
	}
}

// Start runs the connect/read loop until Stop. Blocks; run in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := r.dial(ctx)
		if err != nil {
			log.Printf("[Relay] dial %s failed: %v (retry in %v)", r.url, err, backoff)
			select {
			case <-time.After(backoff):
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		log.Printf("[Relay] connected: %s", r.url)
		r.readLoop(ctx, conn)

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
	}
}

// Stop closes the relay connection and ends the connect loop.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.identityKey)
	conn, _, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return conn, nil
}

func (r *Relay) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		var frame relayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			log.Printf("[Relay] read error: %v", err)
			return
		}

		switch frame.Op {
		case "message":
			msg := InboundMessage{
				ID:             frame.ID,
				ConversationID: frame.ConversationID,
				SenderID:       frame.SenderID,
				Text:           frame.Text,
				IsGroup:        frame.IsGroup,
				MentionsAgent:  frame.MentionsAgent,
				ReplyToAgent:   frame.ReplyToAgent,
			}
			if msg.ConversationID == "" || msg.SenderID == "" {
				log.Printf("[Relay] dropping message without conversation/sender id")
				continue
			}
			go r.handler.HandleMessage(ctx, msg, r)
		case "ack":
			// delivery confirmation, nothing to do
		case "error":
			log.Printf("[Relay] relay error: %s", frame.Error)
		default:
			log.Printf("[Relay] unknown op: %s", frame.Op)
		}
	}
}

// SendText sends a plain text message into the conversation.
func (r *Relay) SendText(ctx context.Context, conversationID, text string) error {
	return r.write(relayFrame{
		Op:             "send",
		ConversationID: conversationID,
		ContentType:    string(ContentText),
		Text:           text,
	})
}

// SendContent sends a structured payload into the conversation.
func (r *Relay) SendContent(ctx context.Context, conversationID string, contentType ContentTypeID, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return r.write(relayFrame{
		Op:             "send",
		ConversationID: conversationID,
		ContentType:    string(contentType),
		Payload:        data,
	})
}

func (r *Relay) write(frame relayFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(frame)
}
