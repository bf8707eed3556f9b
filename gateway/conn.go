package gateway

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-bridge/telemetry"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
	imageTimeout = 15 * time.Second
)

// enc encodes a frame argument like JavaScript's encodeURIComponent, so
// arguments never contain whitespace.
func enc(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// conn is one downstream viewer.
type conn struct {
	hub *Hub
	ws  *websocket.Conn
	log *slog.Logger

	out  chan string
	done chan struct{}
	idle *time.Timer
	once sync.Once

	mu        sync.Mutex
	room      *entry
	replaying int // generation of the running replay, 0 when none
	gen       int
	held      []string
	closed    bool
}

func newConn(h *Hub, ws *websocket.Conn, log *slog.Logger) *conn {
	return &conn{
		hub:  h,
		ws:   ws,
		log:  log,
		out:  make(chan string, outboxSize),
		done: make(chan struct{}),
	}
}

// serve runs the connection until the viewer goes away or stops pinging.
func (c *conn) serve() {
	telemetry.GatewayConnection(1)
	c.idle = time.AfterFunc(c.hub.cfg.IdleTimeout, func() {
		c.log.Info("viewer idle; closing")
		c.close()
	})
	go c.writeLoop()
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("viewer read failed", slog.Any("err", err))
			}
			return
		}
		c.handle(string(data))
	}
}

func (c *conn) handle(text string) {
	args := strings.Fields(text)
	if len(args) == 0 {
		return
	}
	switch cmd, args := args[0], args[1:]; cmd {
	case "ping":
		c.idle.Reset(c.hub.cfg.IdleTimeout)
		c.push("pong")
	case "con":
		if len(args) < 2 {
			c.push("err no-args")
			return
		}
		c.leave()
		e := c.hub.attach(args[0], args[1], c)
		c.mu.Lock()
		c.room = e
		c.mu.Unlock()
	case "img":
		if len(args) < 1 {
			c.push("err no-args")
			return
		}
		shortcode := args[0]
		c.mu.Lock()
		e := c.room
		c.mu.Unlock()
		if e == nil {
			c.push("img " + shortcode)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), imageTimeout)
			defer cancel()
			if uri, ok := c.hub.image(ctx, e, shortcode); ok {
				c.push("img " + shortcode + " " + uri)
				return
			}
			c.push("img " + shortcode)
		}()
	case "dis":
		c.leave()
		c.push("dis")
	default:
		c.push("err unknown-command")
	}
}

// leave detaches from the current room, if any.
func (c *conn) leave() {
	c.mu.Lock()
	e := c.room
	c.room = nil
	c.gen++
	c.replaying = 0
	c.held = nil
	c.mu.Unlock()
	if e != nil {
		c.hub.detach(e, c)
	}
}

// deliver queues a room frame, holding it back while a backlog replay runs.
func (c *conn) deliver(frame string) {
	c.mu.Lock()
	if c.replaying != 0 {
		c.held = append(c.held, frame)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.push(frame)
}

// replay sends frames spaced by the backlog delay, then releases the frames
// delivered meanwhile.
func (c *conn) replay(frames []string) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.replaying = gen
	c.held = nil
	c.mu.Unlock()

	go func() {
		for i, f := range frames {
			if i > 0 && c.hub.cfg.BacklogDelay > 0 {
				select {
				case <-time.After(c.hub.cfg.BacklogDelay):
				case <-c.done:
					return
				}
			}
			c.mu.Lock()
			current := c.replaying == gen
			c.mu.Unlock()
			if !current {
				return
			}
			c.push(f)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.replaying != gen {
			return
		}
		for _, f := range c.held {
			c.pushLocked(f)
		}
		c.held = nil
		c.replaying = 0
	}()
}

// lost is called when e's upstream failed and the viewer was detached.
func (c *conn) lost(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == e {
		c.room = nil
		c.gen++
		c.replaying = 0
		c.held = nil
	}
}

func (c *conn) push(frame string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushLocked(frame)
}

// pushLocked queues frame for the writer. A viewer that cannot keep up is
// disconnected.
func (c *conn) pushLocked(frame string) {
	if c.closed {
		return
	}
	select {
	case c.out <- frame:
	default:
		c.log.Warn("viewer too slow; closing")
		go c.close()
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				c.log.Debug("viewer write failed", slog.Any("err", err))
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		if c.idle != nil {
			c.idle.Stop()
		}
		c.leave()
		_ = c.ws.Close()
		telemetry.GatewayConnection(-1)
	})
}
