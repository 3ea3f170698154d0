package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tfview/pkg/event"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultSendBuffer      = 256
	defaultWriteTimeout    = 5 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultPongTimeout     = 60 * time.Second
	defaultMaxMessageBytes = 1 << 20
	commandBuffer          = 1024
)

// Config holds the tunables of a Hub.
type Config struct {
	// ReplayLimit caps the replay log; the oldest entries are evicted first.
	// Zero keeps every emission for the life of the hub.
	ReplayLimit int
	// SendBuffer is the number of queued batches per client before the client
	// is considered too slow and dropped.
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	Clock           clockwork.Clock
	Logger          zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReplayLimit < 0 {
		c.ReplayLimit = 0
	}
}

// Respond answers a request once. Calls after the first, or for frames that
// did not ask for a response, are ignored.
type Respond func(payload any, err error)

// Handler processes an event sent by a viewer. Handlers for one client run
// sequentially on that client's dispatch goroutine, apart from the read loop,
// so a handler may wait on c.Request. Handlers still running when the client
// drops see Request fail with ErrClientClosed.
type Handler func(c *Client, payload json.RawMessage, respond Respond)

// Stats is a point-in-time view of the hub.
type Stats struct {
	Viewers   int
	ReplayLen int
	Emitted   uint64
}

type command interface{ isCommand() }

type baseCommand struct{}

func (baseCommand) isCommand() {}

type emitCmd struct {
	baseCommand
	name    event.Name
	key     string
	frame   []byte
	replace bool
}

type registerCmd struct {
	baseCommand
	client *Client
	errCh  chan error
}

type unregisterCmd struct {
	baseCommand
	client *Client
}

type greetingCmd struct {
	baseCommand
	frame     []byte
	broadcast bool
}

type statsCmd struct {
	baseCommand
	reply chan Stats
}

type stopCmd struct {
	baseCommand
	done chan struct{}
}

// Hub fans events out to connected viewers and replays the history to every
// viewer that connects later. The client set, the replay log and the greeting
// are owned by a single goroutine; every mutation goes through cmdCh.
type Hub struct {
	cfg    Config
	log    zerolog.Logger
	cmdCh  chan command
	doneCh chan struct{}

	stopOnce sync.Once

	handlersMu sync.RWMutex
	handlers   map[event.Name][]Handler

	// owned by run
	clients  map[*Client]struct{}
	replay   replayLog
	greeting []byte
	emitted  uint64
}

// New starts a hub.
func New(cfg Config) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "hub").Logger(),
		cmdCh:    make(chan command, commandBuffer),
		doneCh:   make(chan struct{}),
		handlers: make(map[event.Name][]Handler),
		clients:  make(map[*Client]struct{}),
		replay:   replayLog{limit: cfg.ReplayLimit},
	}
	go h.run()
	return h
}

// Emit broadcasts payload under name to every connected client and appends it
// to the replay log. It does not wait for delivery.
func (h *Hub) Emit(name event.Name, payload any) error {
	frame, err := event.EncodeEvent(name, payload, 0)
	if err != nil {
		return err
	}
	return h.send(emitCmd{name: name, frame: frame})
}

// Replace is Emit with overwrite semantics: earlier replay entries recorded
// under the same key are dropped before the new one is appended.
func (h *Hub) Replace(name event.Name, key string, payload any) error {
	frame, err := event.EncodeEvent(name, payload, 0)
	if err != nil {
		return err
	}
	return h.send(emitCmd{name: name, key: key, frame: frame, replace: true})
}

// SetGreeting sets the frame every new client receives before the replay.
func (h *Hub) SetGreeting(name event.Name, payload any) error {
	frame, err := event.EncodeEvent(name, payload, 0)
	if err != nil {
		return err
	}
	return h.send(greetingCmd{frame: frame})
}

// UpdateGreeting is SetGreeting that also sends the new greeting to every
// connected client. The frame is not recorded in the replay log.
func (h *Hub) UpdateGreeting(name event.Name, payload any) error {
	frame, err := event.EncodeEvent(name, payload, 0)
	if err != nil {
		return err
	}
	return h.send(greetingCmd{frame: frame, broadcast: true})
}

// Handle registers a handler for events sent by viewers. Several handlers may
// be registered for one name; all of them run in registration order.
func (h *Hub) Handle(name event.Name, fn Handler) {
	h.handlersMu.Lock()
	h.handlers[name] = append(h.handlers[name], fn)
	h.handlersMu.Unlock()
}

// Stats returns the current number of viewers and replay entries.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	if err := h.send(statsCmd{reply: reply}); err != nil {
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-h.doneCh:
		return Stats{}
	}
}

// Stop disconnects every client and stops the hub. Later calls are no-ops.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		done := make(chan struct{})
		select {
		case h.cmdCh <- stopCmd{done: done}:
			<-done
		case <-h.doneCh:
		}
	})
}

func (h *Hub) send(cmd command) error {
	select {
	case <-h.doneCh:
		return ErrStopped
	default:
	}
	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.doneCh:
		return ErrStopped
	}
}

func (h *Hub) register(c *Client) error {
	errCh := make(chan error, 1)
	if err := h.send(registerCmd{client: c, errCh: errCh}); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-h.doneCh:
		return ErrStopped
	}
}

func (h *Hub) unregister(c *Client) {
	if err := h.send(unregisterCmd{client: c}); err != nil {
		c.close()
	}
}

func (h *Hub) handlersFor(name event.Name) []Handler {
	h.handlersMu.RLock()
	defer h.handlersMu.RUnlock()
	return append([]Handler(nil), h.handlers[name]...)
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case emitCmd:
			h.handleEmit(c)
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c)
		case greetingCmd:
			h.handleGreeting(c)
		case statsCmd:
			c.reply <- Stats{Viewers: len(h.clients), ReplayLen: h.replay.len(), Emitted: h.emitted}
		case stopCmd:
			h.handleStop()
			close(c.done)
			return
		default:
			h.log.Error().Str("type", fmt.Sprintf("%T", cmd)).Msg("unknown hub command")
		}
	}
}

func (h *Hub) handleEmit(c emitCmd) {
	e := entry{name: c.name, key: c.key, frame: c.frame}
	var evicted int
	if c.replace {
		evicted = h.replay.replace(e)
	} else {
		evicted = h.replay.add(e)
	}
	h.emitted++
	eventsEmittedTotal.WithLabelValues(string(c.name)).Inc()
	replayEntries.Set(float64(h.replay.len()))
	if evicted > 0 {
		h.log.Debug().Int("evicted", evicted).Int("limit", h.cfg.ReplayLimit).Msg("replay log capped")
	}

	h.fanOut([][]byte{c.frame})
}

func (h *Hub) handleGreeting(c greetingCmd) {
	h.greeting = c.frame
	if !c.broadcast {
		return
	}
	h.fanOut([][]byte{c.frame})
}

func (h *Hub) fanOut(batch [][]byte) {
	var slow []*Client
	for client := range h.clients {
		if !client.w.enqueue(batch) {
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.drop(client, "send_failed")
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	batch := make([][]byte, 0, h.replay.len()+1)
	if h.greeting != nil {
		batch = append(batch, h.greeting)
	}
	batch = append(batch, h.replay.frames()...)
	if len(batch) > 0 && !c.client.w.enqueue(batch) {
		c.errCh <- ErrClientClosed
		return
	}
	h.clients[c.client] = struct{}{}
	viewersConnected.Inc()
	h.log.Info().
		Str("client", c.client.ID.String()).
		Str("remote", c.client.RemoteAddr).
		Int("replayed", len(batch)).
		Int("viewers", len(h.clients)).
		Msg("viewer connected")
	c.errCh <- nil
}

func (h *Hub) handleUnregister(c unregisterCmd) {
	if _, ok := h.clients[c.client]; !ok {
		go c.client.close()
		return
	}
	delete(h.clients, c.client)
	viewersConnected.Dec()
	go c.client.close()
	h.log.Info().
		Str("client", c.client.ID.String()).
		Int("viewers", len(h.clients)).
		Msg("viewer disconnected")
}

// drop removes a client whose queue is full or whose writer has exited.
// Delivery to the remaining clients is unaffected.
func (h *Hub) drop(c *Client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	viewersConnected.Dec()
	clientsDroppedTotal.WithLabelValues(reason).Inc()
	h.log.Warn().Str("client", c.ID.String()).Str("reason", reason).Msg("dropping viewer")
	go c.close()
}

func (h *Hub) handleStop() {
	var wg sync.WaitGroup
	for c := range h.clients {
		delete(h.clients, c)
		viewersConnected.Dec()
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.closeGraceful("publisher shutting down")
		}(c)
	}
	wg.Wait()
	close(h.doneCh)
}
