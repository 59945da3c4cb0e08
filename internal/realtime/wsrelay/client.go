package wsrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Client is a realtime.Channel over one websocket connection that Run keeps
// re-dialling. Emits while disconnected fail with realtime.ErrDisconnected;
// nothing is buffered.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	delay  time.Duration
	log    zerolog.Logger

	writeMu sync.Mutex // one writer at a time per gorilla connection

	mu        sync.Mutex
	conn      *websocket.Conn
	nextID    uint64
	handlers  map[string]map[uint64]func(json.RawMessage)
	onConnect map[uint64]func()
}

var _ realtime.Channel = (*Client)(nil)

func NewClient(url string) *Client {
	return &Client{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		delay:     2 * time.Second,
		log:       applog.WithComponent("wsclient"),
		handlers:  make(map[string]map[uint64]func(json.RawMessage)),
		onConnect: make(map[uint64]func()),
	}
}

func (c *Client) WithReconnectDelay(d time.Duration) *Client {
	if d > 0 {
		c.delay = d
	}
	return c
}

func (c *Client) WithHeader(h http.Header) *Client {
	c.header = h
	return c
}

func (c *Client) WithLogger(l zerolog.Logger) *Client {
	c.log = l
	return c
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials, serves the connection and re-dials after a fixed delay until
// ctx is done. Connect handlers fire after every successful dial.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Str("url", c.url).Dur("retry_in", c.delay).Msg("relay dial failed")
		} else {
			c.log.Info().Str("url", c.url).Msg("relay connected")
			c.setConn(conn)
			c.fireConnect()
			err = c.serve(ctx, conn)
			c.clearConn(conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Dur("retry_in", c.delay).Msg("relay connection lost")
		}

		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read frame")
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug().Err(err).Msg("skip undecodable frame")
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) Join(room string) error {
	return c.Emit(realtime.EventJoinRoom, room)
}

func (c *Client) Emit(event string, payload any) error {
	frame, err := realtime.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return realtime.ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *Client) On(event string, h func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	m, ok := c.handlers[event]
	if !ok {
		m = make(map[uint64]func(json.RawMessage))
		c.handlers[event] = m
	}
	m[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *Client) OnConnect(h func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.onConnect[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onConnect, id)
	}
}

func (c *Client) fireConnect() {
	c.mu.Lock()
	hs := make([]func(), 0, len(c.onConnect))
	for _, h := range c.onConnect {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h()
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}
