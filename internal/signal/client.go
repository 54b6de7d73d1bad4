package signal

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"deskhub/realtime/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
)

// Client manages the WebSocket connection to the signaling relay. It
// implements domain.Signaler: outbound events go through Send, inbound
// events are delivered in relay order on the Events channel.
type Client struct {
	relayURL string
	token    string
	conn     *websocket.Conn
	events   chan domain.Event

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewClient creates a signaling client. Call Connect before Send.
func NewClient(relayURL, token string) *Client {
	return &Client{
		relayURL: relayURL,
		token:    token,
		events:   make(chan domain.Event, 64),
		closed:   make(chan struct{}),
	}
}

// Connect dials the relay WebSocket and starts the read and ping loops.
func (c *Client) Connect() error {
	u, err := url.Parse(c.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	log.Printf("[signal] connecting to %s", u.String())

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Events returns the inbound event channel. It is closed when the
// connection shuts down.
func (c *Client) Events() <-chan domain.Event {
	return c.events
}

// Send marshals the event and writes it to the relay.
func (c *Client) Send(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("signal client closed")
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("[signal] read error: %v", err)
			}
			return
		}

		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[signal] unmarshal error: %v", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeWait),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Printf("[signal] ping error: %v", err)
				}
				return
			}
		}
	}
}
