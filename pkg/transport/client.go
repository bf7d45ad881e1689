// Package transport keeps a websocket connection to the coordinator open,
// frames outbound messages and dispatches inbound frames by route.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/core/concurrency"
	"github.com/fluxorio/ocworker/pkg/core/failfast"
)

// DefaultReconnectDelay is the pause between a close and the next dial.
const DefaultReconnectDelay = 3 * time.Second

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("transport: client closed")

// Drop reasons passed to Observer.FrameDropped.
const (
	DropMalformed = "malformed"
	DropNoHandler = "no_handler"
	DropWrite     = "write_error"
)

// Observer is notified of transport activity.
type Observer interface {
	FrameSent(route string, bytes int)
	FrameReceived(route string, bytes int)
	FrameDropped(reason string)
	Reconnect()
}

type nopObserver struct{}

func (nopObserver) FrameSent(string, int)     {}
func (nopObserver) FrameReceived(string, int) {}
func (nopObserver) FrameDropped(string)       {}
func (nopObserver) Reconnect()                {}

// Options configures a Client.
type Options struct {
	// URL of the coordinator, ws:// or wss://.
	URL string
	// ClientID is stamped on every outbound frame.
	ClientID string
	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Header         http.Header
	Logger         core.Logger
	Observer       Observer
}

type outbound struct {
	route string
	data  []byte
}

// Client is a reconnecting websocket client. Outbound frames are queued on
// an unbounded mailbox and written by a single sender goroutine, so writes
// reach the wire in the order Send was called. Messages queued while the
// connection is down wait for the next connection.
//
// Inbound frames are handed to their handlers one at a time, in the order
// they arrived. A handler that blocks delays later frames but never the
// reader.
type Client struct {
	opts   Options
	routes *Routes
	outbox concurrency.Mailbox
	inbox  concurrency.Mailbox
	logger core.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{}
}

// NewClient creates a client. Nothing is dialed until Run.
func NewClient(opts Options) *Client {
	failfast.If(opts.URL != "", "transport: URL is required")
	if opts.ClientID == "" {
		opts.ClientID = core.GenerateRequestID()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Client{
		opts:   opts,
		routes: NewRoutes(),
		outbox: concurrency.NewUnboundedMailbox(),
		inbox:  concurrency.NewUnboundedMailbox(),
		logger: core.Named(opts.Logger, "transport"),
		ready:  make(chan struct{}),
	}
}

// ClientID returns the id stamped on outbound frames.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Handle registers a handler for frames without a large payload.
func (c *Client) Handle(route string, h Handler) {
	c.routes.Handle(route, h)
}

// HandleLarge registers a handler for frames with a large payload.
func (c *Client) HandleLarge(route string, h LargeHandler) {
	c.routes.HandleLarge(route, h)
}

// Send frames and queues a message. It never blocks on the network.
func (c *Client) Send(route, payload string, large []byte) error {
	data, err := Encode(Frame{
		Header: Header{ID: c.opts.ClientID, Route: route, Payload: payload},
		Large:  large,
	})
	if err != nil {
		return err
	}
	if err := c.outbox.Send(outbound{route: route, data: data}); err != nil {
		return ErrClientClosed
	}
	return nil
}

// Pending returns the number of queued outbound messages.
func (c *Client) Pending() int {
	return c.outbox.Size()
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops accepting messages. Run returns once its context is done.
func (c *Client) Close() {
	c.outbox.Close()
}

// Run connects and serves until ctx is cancelled. A closed connection is
// redialed after the reconnect delay, forever.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.sendLoop(ctx)
	})
	g.Go(func() error {
		return c.dispatchLoop(ctx)
	})
	g.Go(func() error {
		return c.connectLoop(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) connectLoop(ctx context.Context) error {
	for {
		conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warnf("dial %s failed: %v", c.opts.URL, err)
		} else {
			c.logger.Infof("connected to %s", c.opts.URL)
			c.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Infof("connection closed, reconnecting in %s", c.opts.ReconnectDelay)
		select {
		case <-time.After(c.opts.ReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		c.opts.Observer.Reconnect()
	}
}

// serve publishes conn to the sender and reads until the connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})

	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Errorf("websocket read error: %v", err)
			}
			return
		}
		c.receive(data)
	}
}

func (c *Client) receive(data []byte) {
	f, err := Decode(data)
	if err != nil {
		c.logger.Debugf("dropping inbound message: %v", err)
		c.opts.Observer.FrameDropped(DropMalformed)
		return
	}
	c.opts.Observer.FrameReceived(f.Route, len(data))
	// The inbox is never closed.
	_ = c.inbox.Send(f)
}

func (c *Client) dispatchLoop(ctx context.Context) error {
	for {
		msg, err := c.inbox.Receive(ctx)
		if err != nil {
			return ctx.Err()
		}
		f := msg.(Frame)
		if !c.routes.Dispatch(f) {
			c.logger.Debugf("no handler for route %q", f.Route)
			c.opts.Observer.FrameDropped(DropNoHandler)
		}
	}
}

// waitConn blocks until a connection is open.
func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) sendLoop(ctx context.Context) error {
	for {
		msg, err := c.outbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, concurrency.ErrMailboxClosed) {
				// Closed clients keep the connection for inbound traffic.
				<-ctx.Done()
			}
			return ctx.Err()
		}
		out := msg.(outbound)

		conn, err := c.waitConn(ctx)
		if err != nil {
			return err
		}
		messageType := websocket.BinaryMessage
		if utf8.Valid(out.data) {
			messageType = websocket.TextMessage
		}
		if err := conn.WriteMessage(messageType, out.data); err != nil {
			c.logger.Warnf("dropping message on route %q: %v", out.route, err)
			c.opts.Observer.FrameDropped(DropWrite)
			continue
		}
		c.opts.Observer.FrameSent(out.route, len(out.data))
	}
}
