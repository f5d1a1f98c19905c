// Package ws implements the relay transport over a WebSocket connection
// with request correlation and automatic reconnection.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	stdhttp "net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edline/chatsync/internal/auth"
	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/proto"
	"github.com/edline/chatsync/internal/transport"
)

// State of the relay connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Options tune the connection.
type Options struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	RequestTimeout       time.Duration
}

func (o *Options) defaults() {
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

// Client is the WebSocket transport to the relay.
type Client struct {
	url  string
	opts Options
	log  *zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	creds       auth.Credentials
	intentional bool
	cancelRead  context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan *proto.Frame

	subsMu      sync.Mutex
	subs        map[string]map[int]transport.Handler
	nextSub     int
	onReconnect []func()

	backoff *backoff
}

var _ transport.Client = (*Client)(nil)

// NewClient builds a transport for the relay at url.
func NewClient(url string, opts Options, logger *zerolog.Logger) *Client {
	opts.defaults()
	return &Client{
		url:     url,
		opts:    opts,
		log:     logger,
		state:   StateDisconnected,
		pending: make(map[string]chan *proto.Frame),
		subs:    make(map[string]map[int]transport.Handler),
		backoff: newBackoff(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, opts.MaxReconnectAttempts),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the relay. Repeated calls while connected reuse the
// existing connection.
func (c *Client) Connect(ctx context.Context, creds auth.Credentials) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.creds = creds
	c.intentional = false
	c.mu.Unlock()

	header := stdhttp.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	header.Set("X-Protocol-Version", strconv.Itoa(proto.ProtocolVersion))

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial relay: %w: %w", chat.ErrTransportUnavailable, err)
	}

	// The connection outlives the dialing call, so the read loop runs on
	// its own cancellable context.
	readCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.cancelRead = cancel
	c.mu.Unlock()
	c.backoff.markConnected()

	pushes := make(chan proto.Frame, 64)
	go c.dispatchLoop(readCtx, pushes)
	go c.readLoop(readCtx, conn, pushes)
	return nil
}

// Disconnect closes the connection and disables auto-reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.intentional = true
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failPending()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Request performs a correlated round-trip. It rejects instead of hanging
// when the connection drops with the request in flight.
func (c *Client) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("request %s: %w", event, chat.ErrTransportUnavailable)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}

	id := uuid.NewString()
	ch := make(chan *proto.Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame := proto.Frame{Type: proto.FrameRequest, ID: id, Event: event, Data: data}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return nil, fmt.Errorf("write %s: %w: %w", event, chat.ErrTransportUnavailable, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("request %s: connection dropped: %w", event, chat.ErrTransportUnavailable)
		}
		if res.Error != nil {
			if res.Error.Temporary {
				return nil, fmt.Errorf("request %s: %s: %w", event, res.Error.Msg, chat.ErrTransportUnavailable)
			}
			return nil, fmt.Errorf("request %s: %s: %w", event, res.Error.Msg, chat.ErrTransportRejected)
		}
		return res.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s: timeout: %w", event, chat.ErrTransportUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("emit %s: %w", event, chat.ErrTransportUnavailable)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame := proto.Frame{Type: proto.FrameEmit, Event: event, Data: data}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("emit %s: %w: %w", event, chat.ErrTransportUnavailable, err)
	}
	return nil
}

// Subscribe registers handler for a server-pushed event.
func (c *Client) Subscribe(event string, handler transport.Handler) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if c.subs[event] == nil {
		c.subs[event] = make(map[int]transport.Handler)
	}
	id := c.nextSub
	c.nextSub++
	c.subs[event][id] = handler

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs[event], id)
	}
}

// OnReconnect registers a handler invoked after automatic reconnection.
func (c *Client) OnReconnect(handler func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.onReconnect = append(c.onReconnect, handler)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, pushes chan<- proto.Frame) {
	defer close(pushes)
	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			c.handleDrop(err)
			return
		}

		switch frame.Type {
		case proto.FrameResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- &frame
			}
		case proto.FramePush:
			// Handed off so a slow handler can never stall response
			// delivery.
			select {
			case pushes <- frame:
			default:
				c.log.Warn().Str("event", frame.Event).Msg("push dropped, slow consumer")
			}
		default:
			c.log.Warn().Str("type", frame.Type).Msg("unexpected frame from relay")
		}
	}
}

// dispatchLoop delivers pushes to subscribers in arrival order.
func (c *Client) dispatchLoop(ctx context.Context, pushes <-chan proto.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-pushes:
			if !ok {
				return
			}
			c.subsMu.Lock()
			handlers := make([]transport.Handler, 0, len(c.subs[frame.Event]))
			for _, h := range c.subs[frame.Event] {
				handlers = append(handlers, h)
			}
			c.subsMu.Unlock()
			for _, h := range handlers {
				h(frame.Data)
			}
		}
	}
}

func (c *Client) handleDrop(cause error) {
	c.mu.Lock()
	intentional := c.intentional
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failPending()

	if intentional {
		return
	}

	c.log.Warn().Err(cause).Msg("relay connection dropped")
	if c.opts.AutoReconnect && c.backoff.shouldRetry() {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	for c.backoff.shouldRetry() {
		delay := c.backoff.next()

		c.mu.Lock()
		if c.intentional {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		creds := c.creds
		c.mu.Unlock()

		c.log.Info().Dur("delay", delay).Msg("reconnecting to relay")
		time.Sleep(delay)

		c.mu.Lock()
		if c.intentional {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected // let Connect proceed
		c.mu.Unlock()

		if err := c.Connect(context.Background(), creds); err != nil {
			c.log.Warn().Err(err).Msg("reconnect attempt failed")
			continue
		}

		c.subsMu.Lock()
		handlers := append([]func(){}, c.onReconnect...)
		c.subsMu.Unlock()
		for _, h := range handlers {
			go h()
		}
		return
	}
	c.log.Error().Msg("giving up on relay reconnection")
}

// failPending rejects every in-flight request by closing its channel.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}
