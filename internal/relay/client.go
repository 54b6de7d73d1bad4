package relay

import (
	"encoding/json"
	"sync"
	"time"

	"deskhub/realtime/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Client is one connected staff user's WebSocket. Outbound events queue on
// a buffered channel drained by the write pump, so hub dispatch never
// blocks on a slow consumer; inbound events flow straight into the hub in
// read order.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	user domain.Participant
	log  *logrus.Entry

	send chan domain.Event
	once sync.Once
	done chan struct{}
}

// NewClient wraps an upgraded connection for user and registers it with the
// hub. Run must be called to start the pumps.
func NewClient(hub *Hub, conn *websocket.Conn, user domain.Participant, log *logrus.Entry) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		user: user,
		log:  log.WithField("user", user.UserID),
		send: make(chan domain.Event, sendBufferSize),
		done: make(chan struct{}),
	}
	hub.Register(user.UserID, c)
	return c
}

// Deliver queues an event for the write pump. A client that cannot keep up
// loses the event rather than stalling the session's dispatch.
func (c *Client) Deliver(ev domain.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		c.log.WithField("type", ev.Type).Warn("send buffer full, dropping event")
	}
}

// Run blocks on the read pump until the connection drops, then unregisters
// from the hub (starting dead-peer grace timers for live calls).
func (c *Client) Run() {
	go c.writePump()
	c.readPump()

	c.close()
	c.hub.Unregister(c.user.UserID, c)
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read error")
			}
			return
		}

		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Warn("malformed event")
			continue
		}
		c.hub.Dispatch(c.user.UserID, ev)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
