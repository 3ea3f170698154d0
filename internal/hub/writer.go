package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// clientWriter owns the write side of one connection. The clock drives the
// keepalive ticker only; socket deadlines use wall time. Every frame for the
// client, broadcast or response, goes through sendChannel so that a single
// goroutine writes to the socket.
type clientWriter struct {
	connection   *websocket.Conn
	clock        clockwork.Clock
	writeTimeout time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration
	sendChannel  chan [][]byte
	doneChannel  chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, cfg Config) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        cfg.Clock,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		sendChannel:  make(chan [][]byte, cfg.SendBuffer),
		doneChannel:  make(chan struct{}),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// enqueue queues a batch without blocking. It reports false when the queue is
// full or the writer has stopped.
func (cw *clientWriter) enqueue(batch [][]byte) bool {
	select {
	case <-cw.doneChannel:
		return false
	default:
	}
	select {
	case cw.sendChannel <- batch:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(cw.pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case batch := <-cw.sendChannel:
			for _, msg := range batch {
				cw.updateWriteDeadline()
				if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
					cw.fail()
					return
				}
				framesSentTotal.Inc()
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				pingFailuresTotal.Inc()
				cw.fail()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// fail closes the socket after a write error so the read loop returns and the
// client unregisters. Later enqueues report false.
func (cw *clientWriter) fail() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
	})
	_ = cw.connection.Close()
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		// wait for run to exit so the close frame is not written concurrently
		cw.wg.Wait()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		_ = cw.connection.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(cw.writeTimeout))
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(time.Now().Add(cw.writeTimeout))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(time.Now().Add(cw.pongTimeout))
}
