package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
)

// tabConn is the hub's end of one tab's websocket.
type tabConn struct {
	tabID  int
	logger *events.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	url    string
	closed bool

	writeMu sync.Mutex
	done    chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

func newTabConn(conn *websocket.Conn, tabID int, url string, logger *events.Logger) *tabConn {
	conn.SetReadLimit(maxFrameSize)
	return &tabConn{
		tabID:        tabID,
		url:          url,
		conn:         conn,
		logger:       logger.WithFields(map[string]any{"component": "tab_conn", "tab_id": tabID}),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

func (c *tabConn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *tabConn) setURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = url
}

// writeFrame serializes writes; gorilla connections allow one writer.
func (c *tabConn) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("tab %d: %w", c.tabID, ErrTabClosed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Kind, err)
	}
	return nil
}

// Close closes the socket once.
func (c *tabConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// readLoop hands each frame to onFrame until the socket closes.
func (c *tabConn) readLoop(onFrame func(Frame)) {
	defer c.Close()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Tab socket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		frame, err := decodeFrame(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		onFrame(frame)
	}
}

// pingLoop sends periodic pings.
func (c *tabConn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
