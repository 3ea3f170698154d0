// Package dirwatch reports changes to a directory once writes to it have
// settled, so a model export that touches several files triggers one reload.
package dirwatch

import (
	"errors"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultQuiet is how long a directory must stay unchanged before the
// change is reported.
const DefaultQuiet = 250 * time.Millisecond

const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// Options configures a Watcher. Zero values pick defaults.
type Options struct {
	Quiet  time.Duration
	Clock  clockwork.Clock
	Logger *zerolog.Logger
}

// Watcher calls onChange after the watched directory has been modified and
// then left alone for the quiet period.
type Watcher struct {
	fs       *fsnotify.Watcher
	dir      string
	quiet    time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
	onChange func()

	stopCh   chan struct{}
	doneCh   chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New watches dir. Call Start to begin delivering changes.
func New(dir string, onChange func(), opts Options) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("dirwatch: onChange is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Watcher{
		fs:       fw,
		dir:      dir,
		quiet:    opts.Quiet,
		clock:    opts.Clock,
		log:      log.With().Str("dir", dir).Logger(),
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the watch loop in a goroutine. Only the first call has effect.
func (w *Watcher) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// Stop ends the watch loop and waits for it. A pending change is discarded.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.startMu.Lock()
		started := w.started
		w.started = true
		w.startMu.Unlock()
		if started {
			<-w.doneCh
		}
		_ = w.fs.Close()
	})
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	var (
		timer clockwork.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 {
				continue
			}
			w.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("change")
			if timer != nil {
				timer.Stop()
			}
			timer = w.clock.NewTimer(w.quiet)
			fire = timer.Chan()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		case <-fire:
			timer, fire = nil, nil
			w.onChange()
		}
	}
}
