package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

type Options struct {
	SendQueue         int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	Burst             int
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
}

func (o Options) WithDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 50
	}
	if o.Burst <= 0 {
		o.Burst = int(o.MessagesPerSecond)
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	return o
}

// Client implements port.Client on top of a websocket connection. Events are
// queued on a bounded channel and written by a single goroutine, so the order
// of Send calls is the order on the wire.
type Client struct {
	id       domain.ConnID
	identity domain.Identity
	conn     *websocket.Conn
	opts     Options

	mu        sync.Mutex
	closed    bool
	send      chan domain.Event
	closeCode int
	closeMsg  string
}

func NewClient(conn *websocket.Conn, identity domain.Identity, opts Options) *Client {
	opts = opts.WithDefaults()
	return &Client{
		id:        domain.NewConnID(),
		identity:  identity,
		conn:      conn,
		opts:      opts,
		send:      make(chan domain.Event, opts.SendQueue),
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Client) ID() domain.ConnID {
	return c.id
}

func (c *Client) Identity() domain.Identity {
	return c.identity
}

func (c *Client) Send(ev domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Kick flushes queued events, then closes with a policy violation frame.
func (c *Client) Kick(reason string) {
	c.shutdown(websocket.ClosePolicyViolation, reason)
}

// Release flushes queued events and closes normally. It is used once the
// read side has ended.
func (c *Client) Release() {
	c.shutdown(websocket.CloseNormalClosure, "")
}

// Close drops queued events and closes the socket immediately.
func (c *Client) Close() error {
	c.shutdown(websocket.CloseNormalClosure, "")
	return c.conn.Close()
}

func (c *Client) shutdown(code int, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeMsg = msg
	close(c.send)
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.mu.Lock()
				code, msg := c.closeCode, c.closeMsg
				c.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id.String()).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump calls handle for every text frame until the connection ends.
// It returns ErrRateLimited when the peer sends faster than allowed.
func (c *Client) ReadPump(handle func(data []byte)) error {
	limiter := rate.NewLimiter(rate.Limit(c.opts.MessagesPerSecond), c.opts.Burst)

	c.conn.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if !limiter.Allow() {
			c.Kick(ErrRateLimited.Error())
			return ErrRateLimited
		}
		if msgType != websocket.TextMessage {
			c.Send(domain.ProtocolError("expected text message"))
			continue
		}
		handle(data)
	}
}
