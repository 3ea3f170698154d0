// Package tfview publishes live training visualizations. A Publisher persists
// the model artifact, serves the dashboard and broadcasts events to every
// connected viewer, replaying earlier events to viewers that join later.
package tfview

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tfview/internal/httpapi"
	"tfview/internal/hub"
	"tfview/internal/logging"
	"tfview/pkg/artifact"
	"tfview/pkg/event"
)

// DefaultPort is used when neither Addr nor Port is set.
const DefaultPort = 8080

// ModelPanel is the container of the model event sent to every new viewer.
var ModelPanel = event.Container{Selector: "#panel1", Name: "Model"}

var (
	// ErrAlreadyOpen is returned by a second call to Open.
	ErrAlreadyOpen = errors.New("tfview: publisher already open")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("tfview: publisher closed")
	// ErrNotOpen is returned by Republish before Open or after Close.
	ErrNotOpen = errors.New("tfview: publisher not open")
)

type (
	// Client is a connected viewer.
	Client = hub.Client
	// Respond answers a viewer request once.
	Respond = hub.Respond
	// Handler processes an event sent by a viewer.
	Handler = hub.Handler
	// Stats is a snapshot of the broadcast channel.
	Stats = hub.Stats
)

// Options configures a Publisher.
type Options struct {
	// Addr is the listen address. Empty means ":<Port>".
	Addr string
	// Port is used when Addr is empty; zero means DefaultPort.
	Port int
	// Publish is the directory holding models/ and js/. Empty means the
	// working directory.
	Publish string
	// ReplayLimit caps the replay log; zero keeps everything.
	ReplayLimit int
	// MaxMessageBytes limits frames read from viewers.
	MaxMessageBytes int64
	// CORSOrigins enables CORS for the listed origins and restricts socket
	// upgrades to them.
	CORSOrigins []string
	// WeightPathPrefix is forwarded to viewers in the model event.
	WeightPathPrefix string
	// Logger defaults to the process logger.
	Logger *zerolog.Logger
}

func (o Options) listenAddr() string {
	if o.Addr != "" {
		return o.Addr
	}
	port := o.Port
	if port <= 0 {
		port = DefaultPort
	}
	return ":" + strconv.Itoa(port)
}

// Publisher owns the broadcast channel and the HTTP server viewers use.
type Publisher struct {
	opts Options
	log  zerolog.Logger
	hub  *hub.Hub

	mu       sync.Mutex
	store    *artifact.Store
	handler  http.Handler
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	serveErr chan error
	open     bool
	closed   bool
	model    string
	modelURL string
	started  time.Time
}

// New creates a publisher. Events emitted before Open are kept for replay.
func New(opts Options) *Publisher {
	log := logging.Component("tfview")
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "tfview").Logger()
	}
	return &Publisher{
		opts: opts,
		log:  log,
		hub: hub.New(hub.Config{
			ReplayLimit:     opts.ReplayLimit,
			MaxMessageBytes: opts.MaxMessageBytes,
			Logger:          log,
		}),
	}
}

// Open persists model under <publish>/models/<name>/, starts listening and
// returns once connections are accepted. Every viewer that connects receives
// the model event for this artifact followed by the replay log.
func (p *Publisher) Open(ctx context.Context, name string, model artifact.Saver) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrClosed
	case p.open:
		return ErrAlreadyOpen
	}

	store, err := p.storeLocked()
	if err != nil {
		return err
	}
	url, err := store.Publish(ctx, name, model)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	greeting := event.Model{Container: ModelPanel, ModelURL: url, WeightPathPrefix: p.opts.WeightPathPrefix}
	if err := p.hub.SetGreeting(event.NameModel, greeting); err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}

	ln, err := net.Listen("tcp", p.opts.listenAddr())
	if err != nil {
		return fmt.Errorf("open %s: listen: %w", name, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	muxOpts := httpapi.Options{
		ModelsDir:    store.ModelsDir(),
		JSDir:        store.JSDir(),
		BaseContext:  baseCtx,
		MaxBodyBytes: p.opts.MaxMessageBytes,
		Logger:       &p.log,
	}
	if len(p.opts.CORSOrigins) > 0 {
		muxOpts.CORS = &httpapi.CORSOptions{Origins: p.opts.CORSOrigins}
	}
	p.handler = httpapi.NewMux(service{p}, muxOpts)
	p.srv = &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	p.listener = ln
	p.cancel = cancel
	p.serveErr = make(chan error, 1)
	p.model = name
	p.modelURL = url
	p.started = time.Now()
	p.open = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error().Err(err).Msg("server stopped")
			p.serveErr <- err
		}
		close(p.serveErr)
	}(p.srv)

	p.log.Info().Str("model", name).Str("addr", ln.Addr().String()).Str("publish", store.Root()).Msg("publisher open")
	return nil
}

func (p *Publisher) storeLocked() (*artifact.Store, error) {
	if p.store != nil {
		return p.store, nil
	}
	s, err := artifact.NewStore(p.opts.Publish, p.log)
	if err != nil {
		return nil, err
	}
	p.store = s
	return s, nil
}

// Emit broadcasts ev to every connected viewer and records it for replay.
// It never blocks on viewers; invalid events are logged and dropped.
func (p *Publisher) Emit(ev event.Event) {
	if err := event.Validate(ev); err != nil {
		p.log.Error().Err(err).Str("event", string(ev.EventName())).Msg("emit dropped")
		return
	}
	if err := p.hub.Emit(ev.EventName(), ev); err != nil {
		p.log.Warn().Err(err).Str("event", string(ev.EventName())).Msg("emit dropped")
	}
}

// Replace is Emit for overwrite-style events: replay keeps only the latest
// event per panel, so late viewers do not redraw every intermediate state.
func (p *Publisher) Replace(ev event.Event) {
	if err := event.Validate(ev); err != nil {
		p.log.Error().Err(err).Str("event", string(ev.EventName())).Msg("replace dropped")
		return
	}
	if err := p.hub.Replace(ev.EventName(), event.ReplayKey(ev), ev); err != nil {
		p.log.Warn().Err(err).Str("event", string(ev.EventName())).Msg("replace dropped")
	}
}

// Publish persists an additional artifact, such as the finished model
// announced by trainFinished, and returns its model.json URL.
func (p *Publisher) Publish(ctx context.Context, name string, model artifact.Saver) (string, error) {
	p.mu.Lock()
	store, err := p.storeLocked()
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return store.Publish(ctx, name, model)
}

// Republish overwrites the artifact Open published and sends the refreshed
// model event to every connected viewer. Viewers that connect later are
// greeted with it.
func (p *Publisher) Republish(ctx context.Context, model artifact.Saver) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return "", ErrNotOpen
	}
	url, err := p.store.Publish(ctx, p.model, model)
	if err != nil {
		return "", fmt.Errorf("republish %s: %w", p.model, err)
	}
	greeting := event.Model{Container: ModelPanel, ModelURL: url, WeightPathPrefix: p.opts.WeightPathPrefix}
	if err := p.hub.UpdateGreeting(event.NameModel, greeting); err != nil {
		return "", fmt.Errorf("republish %s: %w", p.model, err)
	}
	p.modelURL = url
	p.log.Info().Str("model", p.model).Msg("model republished")
	return url, nil
}

// Handle registers fn for events named name sent by viewers.
func (p *Publisher) Handle(name event.Name, fn Handler) {
	p.hub.Handle(name, fn)
}

// Stats reports connected viewers and the replay log size.
func (p *Publisher) Stats() Stats { return p.hub.Stats() }

// Addr is the bound listen address, empty before Open.
func (p *Publisher) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// URL is the dashboard URL, empty before Open.
func (p *Publisher) URL() string {
	addr := p.Addr()
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Handler is the HTTP handler serving the dashboard, the socket and the
// artifacts, nil before Open.
func (p *Publisher) Handler() http.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// Close disconnects every viewer and shuts the server down. Further emits are
// dropped.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	srv, cancel, serveErr := p.srv, p.cancel, p.serveErr
	p.open = false
	p.mu.Unlock()

	p.hub.Stop()
	if srv == nil {
		return nil
	}
	cancel()
	err := srv.Shutdown(ctx)
	if serr, ok := <-serveErr; ok && err == nil {
		err = serr
	}
	p.log.Info().Msg("publisher closed")
	return err
}
