// Package viewer connects to a TfView publisher and dispatches the events it
// broadcasts to named handlers.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tfview/internal/logging"
	"tfview/pkg/event"
)

// DefaultRetryInterval is the KeepOpen polling interval when none is given.
const DefaultRetryInterval = time.Second

const writeTimeout = 5 * time.Second

// Respond answers a request from the publisher. Only the first call is sent
// and calls after the connection dropped do nothing.
type Respond func(payload any, err error)

// Handler runs for every event of the name it was registered for. Payload is
// nil for the connect and disconnect lifecycle events.
type Handler func(payload json.RawMessage, respond Respond)

// ResponseFunc receives the publisher's answer to Emit.
type ResponseFunc func(err error, payload json.RawMessage)

// Options configures a Socket.
type Options struct {
	// URL of the publisher, e.g. "http://localhost:8080". The websocket path
	// defaults to /socket.
	URL             string
	Dialer          *websocket.Dialer
	Header          http.Header
	MaxMessageBytes int64
	Logger          *zerolog.Logger
}

// conn is one established connection and the requests waiting on it.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	// inCallback is set while a handler or response callback of this
	// connection runs. Disconnect must not wait for the read loop then.
	inCallback atomic.Bool

	mu      sync.Mutex
	nextAck int64
	pending map[int64]ResponseFunc
}

func (c *conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) track(fn ResponseFunc) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextAck++
	c.pending[c.nextAck] = fn
	return c.nextAck
}

func (c *conn) take(id int64) ResponseFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn := c.pending[id]
	delete(c.pending, id)
	return fn
}

func (c *conn) dropPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	c.pending = map[int64]ResponseFunc{}
	return n
}

func (c *conn) callback(fn func()) {
	c.inCallback.Store(true)
	defer c.inCallback.Store(false)
	fn()
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Socket is a viewer connection to one publisher. It never reconnects on its
// own; use KeepOpen or call Open again.
type Socket struct {
	url     string
	baseURL string
	dialer  *websocket.Dialer
	header  http.Header
	maxMsg  int64
	log     zerolog.Logger

	openMu sync.Mutex // serializes Open and Disconnect

	mu       sync.Mutex
	handlers map[event.Name][]Handler
	cur      *conn
}

// New returns a disconnected socket.
func New(opts Options) (*Socket, error) {
	wsURL, base, err := socketURLs(opts.URL)
	if err != nil {
		return nil, err
	}
	log := logging.Component("viewer")
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "viewer").Logger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Socket{
		url:      wsURL,
		baseURL:  base,
		dialer:   dialer,
		header:   opts.Header,
		maxMsg:   opts.MaxMessageBytes,
		log:      log.With().Str("url", wsURL).Logger(),
		handlers: map[event.Name][]Handler{},
	}, nil
}

// socketURLs derives the websocket URL and the HTTP base URL of a publisher.
func socketURLs(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("viewer url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("viewer url %q: missing host", raw)
	}
	ws, base := *u, *u
	switch u.Scheme {
	case "http", "ws":
		ws.Scheme, base.Scheme = "ws", "http"
	case "https", "wss":
		ws.Scheme, base.Scheme = "wss", "https"
	default:
		return "", "", fmt.Errorf("viewer url %q: unsupported scheme", raw)
	}
	if ws.Path == "" || ws.Path == "/" {
		ws.Path = "/socket"
	}
	base.Path, base.RawQuery, base.Fragment = "", "", ""
	return ws.String(), base.String(), nil
}

// BaseURL is the publisher's HTTP origin, used to resolve artifact URLs.
func (s *Socket) BaseURL() string { return s.baseURL }

// On registers fn for events named name. Every registration runs, in order.
func (s *Socket) On(name event.Name, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = append(s.handlers[name], fn)
}

func (s *Socket) handlersFor(name event.Name) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handler(nil), s.handlers[name]...)
}

func (s *Socket) current() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Connected reports whether the socket has a live connection.
func (s *Socket) Connected() bool {
	c := s.current()
	return c != nil && !c.closed()
}

// Open dials the publisher. It is a no-op when already connected. Connect
// handlers run before the first message is read.
func (s *Socket) Open(ctx context.Context) error {
	c, err := s.dial(ctx)
	if err != nil || c == nil {
		return err
	}
	s.log.Debug().Msg("connected")
	c.callback(func() { s.lifecycle(event.NameConnect) })
	go s.readLoop(c)
	return nil
}

// dial returns the new connection, or nil when one is already open.
func (s *Socket) dial(ctx context.Context) (*conn, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.Connected() {
		return nil, nil
	}
	ws, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.url, err)
	}
	if s.maxMsg > 0 {
		ws.SetReadLimit(s.maxMsg)
	}
	c := &conn{ws: ws, done: make(chan struct{}), pending: map[int64]ResponseFunc{}}
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	return c, nil
}

// Disconnect closes the connection and waits for its read loop to stop. It
// is a no-op when not connected. Called while one of the connection's
// handlers or response callbacks runs, it returns without waiting; the read
// loop stops once that callback returns.
func (s *Socket) Disconnect() {
	s.openMu.Lock()
	c := s.current()
	if c == nil || c.closed() {
		s.openMu.Unlock()
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	_ = c.ws.Close()
	s.openMu.Unlock()
	if !c.inCallback.Load() {
		<-c.done
	}
}

// Done is closed when the current connection ends. It returns a closed
// channel when not connected.
func (s *Socket) Done() <-chan struct{} {
	if c := s.current(); c != nil {
		return c.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Emit sends an event to the publisher. When onResponse is set the publisher
// is asked to answer and onResponse runs with its reply. While disconnected
// the call does nothing and onResponse never runs.
func (s *Socket) Emit(name event.Name, payload any, onResponse ResponseFunc) {
	c := s.current()
	if c == nil || c.closed() {
		s.log.Debug().Str("event", string(name)).Msg("emit while disconnected dropped")
		return
	}
	var id int64
	if onResponse != nil {
		id = c.track(onResponse)
	}
	b, err := event.EncodeEvent(name, payload, id)
	if err != nil {
		c.take(id)
		s.log.Error().Err(err).Str("event", string(name)).Msg("emit dropped")
		return
	}
	if err := c.write(b); err != nil {
		c.take(id)
		s.log.Debug().Err(err).Str("event", string(name)).Msg("emit failed")
	}
}

func (s *Socket) readLoop(c *conn) {
	defer s.dropped(c)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		f, err := event.ParseFrame(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed frame skipped")
			continue
		}
		switch f.Type {
		case event.FrameAck:
			c.callback(func() { s.resolve(c, f) })
		case event.FrameEvent:
			c.callback(func() { s.dispatch(c, f) })
		}
	}
}

func (s *Socket) resolve(c *conn, f event.Frame) {
	fn := c.take(f.Ack)
	if fn == nil {
		s.log.Debug().Int64("ack", f.Ack).Msg("unexpected response discarded")
		return
	}
	var err error
	if f.Error != "" {
		err = errors.New(f.Error)
	}
	fn(err, f.Payload)
}

func (s *Socket) dispatch(c *conn, f event.Frame) {
	respond := s.responder(c, f.Ack)
	handlers := s.handlersFor(f.Name)
	if len(handlers) == 0 {
		if f.Ack > 0 {
			respond(nil, fmt.Errorf("no handler for %s", f.Name))
		}
		return
	}
	for _, h := range handlers {
		h(f.Payload, respond)
	}
}

func (s *Socket) responder(c *conn, id int64) Respond {
	if id <= 0 {
		return func(any, error) {}
	}
	var once sync.Once
	return func(payload any, err error) {
		once.Do(func() {
			if c.closed() {
				return
			}
			b, encErr := event.EncodeAck(id, payload, err)
			if encErr != nil {
				s.log.Error().Err(encErr).Int64("ack", id).Msg("response dropped")
				return
			}
			if werr := c.write(b); werr != nil {
				s.log.Debug().Err(werr).Int64("ack", id).Msg("response dropped")
			}
		})
	}
}

func (s *Socket) dropped(c *conn) {
	_ = c.ws.Close()
	close(c.done)
	if n := c.dropPending(); n > 0 {
		s.log.Debug().Int("pending", n).Msg("pending responses dropped")
	}
	s.log.Debug().Msg("disconnected")
	s.lifecycle(event.NameDisconnect)
}

func (s *Socket) lifecycle(name event.Name) {
	noop := func(any, error) {}
	for _, h := range s.handlersFor(name) {
		h(nil, noop)
	}
}

// KeepOpen keeps the socket connected until ctx ends, retrying Open every
// interval while the publisher is unreachable. It disconnects and returns
// ctx.Err() when ctx is done.
func (s *Socket) KeepOpen(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	defer s.Disconnect()
	for {
		b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
		err := backoff.RetryNotify(func() error { return s.Open(ctx) }, b, func(err error, next time.Duration) {
			s.log.Debug().Err(err).Dur("retry_in", next).Msg("publisher unavailable")
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
		}
	}
}

// HTTPURL resolves ref, such as a modelUrl, against the publisher origin.
func (s *Socket) HTTPURL(ref string) string { return resolveRef(s.baseURL, ref) }

// resolveRef leaves absolute http(s) refs alone and joins the rest to base.
func resolveRef(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(ref, "/")
}
