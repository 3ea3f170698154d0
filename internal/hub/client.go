package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tfview/pkg/event"
)

// inboxSize bounds the events read from one client but not yet handled.
const inboxSize = 64

// Client is one connected viewer.
type Client struct {
	ID         uuid.UUID
	RemoteAddr string

	hub  *Hub
	conn *websocket.Conn
	w    *clientWriter
	log  zerolog.Logger

	nextAck   atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan event.Frame
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.New()
	c := &Client{
		ID:         id,
		RemoteAddr: conn.RemoteAddr().String(),
		hub:        h,
		conn:       conn,
		w:          newClientWriter(conn, h.cfg),
		log:        h.log.With().Str("client", id.String()).Logger(),
		pending:    make(map[int64]chan event.Frame),
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	return c
}

// Serve registers conn with the hub, sends the greeting and the replay, then
// reads frames until the connection drops or ctx is done.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) error {
	c := newClient(h, conn)
	if err := h.register(c); err != nil {
		c.close()
		return err
	}
	defer h.unregister(c)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// Events go to a per-client dispatcher so the read loop keeps resolving
	// responses while a handler waits in Request.
	inbox := make(chan event.Frame, inboxSize)
	go func() {
		for f := range inbox {
			c.dispatch(f)
		}
	}()
	err := c.readLoop(ctx, inbox)
	close(inbox)
	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

// Send delivers an event to this client only. It is not recorded for replay.
func (c *Client) Send(name event.Name, payload any) error {
	frame, err := event.EncodeEvent(name, payload, 0)
	if err != nil {
		return err
	}
	if !c.w.enqueue([][]byte{frame}) {
		return ErrClientClosed
	}
	return nil
}

// Request sends an event that asks for a response and waits for it. There is
// no built-in timeout; ctx bounds the wait. It may be called from a Handler
// for the same client.
func (c *Client) Request(ctx context.Context, name event.Name, payload any) (json.RawMessage, error) {
	id := c.nextAck.Add(1)
	frame, err := event.EncodeEvent(name, payload, id)
	if err != nil {
		return nil, err
	}
	ch := make(chan event.Frame, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}()

	if !c.w.enqueue([][]byte{frame}) {
		return nil, ErrClientClosed
	}
	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if f.Error != "" {
			return nil, responseError{msg: f.Error}
		}
		return f.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, inbox chan<- event.Frame) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := event.ParseFrame(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		switch f.Type {
		case event.FrameAck:
			c.resolve(f)
		case event.FrameEvent:
			select {
			case inbox <- f:
			case <-c.w.doneChannel:
				return ErrClientClosed
			case <-ctx.Done():
				return ErrClientClosed
			}
		}
	}
}

func (c *Client) dispatch(f event.Frame) {
	handlers := c.hub.handlersFor(f.Name)
	respond := c.responder(f.Ack)
	if len(handlers) == 0 {
		c.log.Debug().Str("event", string(f.Name)).Msg("no handler registered")
		respond(nil, errors.New("no handler for "+string(f.Name)))
		return
	}
	for _, h := range handlers {
		h(c, f.Payload, respond)
	}
}

// responder returns the one-shot Respond for request id. Responding after the
// connection dropped is a silent no-op.
func (c *Client) responder(id int64) Respond {
	if id <= 0 {
		return func(any, error) {}
	}
	var once sync.Once
	return func(payload any, err error) {
		once.Do(func() {
			frame, encErr := event.EncodeAck(id, payload, err)
			if encErr != nil {
				c.log.Error().Err(encErr).Int64("ack", id).Msg("encode response")
				return
			}
			if !c.w.enqueue([][]byte{frame}) {
				c.log.Debug().Int64("ack", id).Msg("response dropped, connection gone")
			}
		})
	}
}

func (c *Client) resolve(f event.Frame) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch, ok := c.pending[f.Ack]
	if !ok {
		c.log.Debug().Int64("ack", f.Ack).Msg("late or unknown response discarded")
		return
	}
	delete(c.pending, f.Ack)
	ch <- f
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.w.stop()
		c.failPending()
	})
}

func (c *Client) closeGraceful(reason string) {
	c.closeOnce.Do(func() {
		c.w.stopGraceful(reason)
		c.failPending()
	})
}
