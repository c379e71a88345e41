package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/inbox"
	"github.com/TDXCORE/EmailApp/internal/outbox"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	openTimeout    = 15 * time.Second
)

// Frame types sent to the browser.
const (
	FrameConversations = "conversations"
	FrameThread        = "thread"
	FrameThreadMessage = "thread_message"
	FrameSendAck       = "send_ack"
	FrameSendFailed    = "send_failed"
	FrameError         = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is one websocket message in either direction.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type clientCommand struct {
	Type      string `json:"type"`
	ContactID string `json:"contact_id"`
}

type threadFrame struct {
	ContactID string          `json:"contact_id"`
	Messages  []inbox.Message `json:"messages"`
}

type threadMessageFrame struct {
	ContactID string        `json:"contact_id"`
	Op        string        `json:"op"`
	Message   inbox.Message `json:"message"`
}

// wsClient streams one operator's inbox session to a browser tab.
type wsClient struct {
	conn    *websocket.Conn
	session *inbox.Session
	send    chan []byte
	log     *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	s := h.session(w, r)
	if s == nil {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn:    conn,
		session: s,
		send:    make(chan []byte, 256),
		log:     h.log.With(zap.String("user_id", userID)),
		done:    make(chan struct{}),
	}

	events, unsubInbox := h.Bus.SubscribeFiltered("inbox.", 64, func(e bus.Event) bool {
		switch p := e.Payload.(type) {
		case inbox.Changed:
			return p.Scope == userID
		case inbox.ThreadChanged:
			return p.Scope == userID
		}
		return false
	})
	acks, unsubAcks := h.Bus.Subscribe("message.", 64)

	c.push(Frame{Type: FrameConversations, Data: s.Snapshot()})
	if id, msgs := s.Thread(); id != "" {
		c.push(Frame{Type: FrameThread, Data: threadFrame{ContactID: id, Messages: msgs}})
	}

	go c.writePump()
	go func() {
		defer unsubInbox()
		defer unsubAcks()
		c.forward(events, acks)
	}()
	go c.readPump()
}

// push queues a frame. A client that cannot keep up is disconnected.
func (c *wsClient) push(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("websocket client too slow, disconnecting")
		c.close()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) forward(events, acks <-chan bus.Event) {
	for {
		select {
		case evt := <-events:
			switch p := evt.Payload.(type) {
			case inbox.Changed:
				c.push(Frame{Type: FrameConversations, Data: p.Snapshot})
			case inbox.ThreadChanged:
				c.push(Frame{Type: FrameThreadMessage, Data: threadMessageFrame{ContactID: p.ContactID, Op: p.Op, Message: p.Message}})
			}
		case evt := <-acks:
			switch evt.Kind {
			case outbox.KindSendAck:
				c.push(Frame{Type: FrameSendAck, Data: evt.Payload})
			case outbox.KindSendFailed:
				c.push(Frame{Type: FrameSendFailed, Data: evt.Payload})
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.push(Frame{Type: FrameError, Data: "invalid command"})
			continue
		}
		c.handle(cmd)
	}
}

func (c *wsClient) handle(cmd clientCommand) {
	switch strings.ToLower(cmd.Type) {
	case "open":
		if cmd.ContactID == "" {
			c.push(Frame{Type: FrameError, Data: "contact_id is required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
		defer cancel()
		msgs, err := c.session.Open(ctx, cmd.ContactID)
		if err != nil {
			c.log.Error("open conversation", zap.String("contact_id", cmd.ContactID), zap.Error(err))
			c.push(Frame{Type: FrameError, Data: "failed to open conversation"})
			return
		}
		c.push(Frame{Type: FrameThread, Data: threadFrame{ContactID: cmd.ContactID, Messages: msgs}})
	case "close":
		c.session.Close()
	case "refresh":
		c.push(Frame{Type: FrameConversations, Data: c.session.Snapshot()})
	default:
		c.push(Frame{Type: FrameError, Data: "unknown command " + cmd.Type})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		}
	}
}
