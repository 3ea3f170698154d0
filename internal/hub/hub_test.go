package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfview/pkg/event"
)

func testHub(t *testing.T, cfg Config) (*Hub, func() *websocket.Conn) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	h := New(cfg)
	t.Cleanup(h.Stop)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = h.Serve(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	return h, dial
}

// newConnPair returns the client end of a websocket that nothing serves.
func newConnPair(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = upgrader.Upgrade(w, r, nil)
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) event.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := event.ParseFrame(raw)
	require.NoError(t, err)
	return f
}

func waitForViewers(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Stats().Viewers == n }, 2*time.Second, 10*time.Millisecond)
}

func scatter(selector string, y float64) event.Scatterplot {
	return event.Scatterplot{
		Container: event.Container{Selector: selector, Name: "Horsepower v MPG"},
		Data:      event.SingleSeries([]event.Point{{X: 1, Y: y}}),
	}
}

func scatterY(t *testing.T, f event.Frame) float64 {
	t.Helper()
	ev, err := event.Decode(f.Name, f.Payload)
	require.NoError(t, err)
	s, ok := ev.(event.Scatterplot)
	require.True(t, ok)
	return s.Data.Values[0][0].Y
}

func TestHub_GreetingThenReplayInOrder(t *testing.T) {
	h, dial := testHub(t, Config{})
	greeting := event.Model{Container: event.Container{Selector: "#panel1", Name: "Model"}, ModelURL: "/models/demo/model.json"}
	require.NoError(t, h.SetGreeting(event.NameModel, greeting))
	require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel2", 1)))
	require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel2", 2)))

	conn := dial()
	first := readFrame(t, conn)
	assert.Equal(t, event.NameModel, first.Name)
	assert.Equal(t, 1.0, scatterY(t, readFrame(t, conn)))
	assert.Equal(t, 2.0, scatterY(t, readFrame(t, conn)))

	waitForViewers(t, h, 1)
	require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel2", 3)))
	assert.Equal(t, 3.0, scatterY(t, readFrame(t, conn)))
}

func TestHub_UpdateGreetingReachesLiveViewersOnly(t *testing.T) {
	h, dial := testHub(t, Config{})
	first := event.Model{Container: event.Container{Selector: "#panel1", Name: "Model"}, ModelURL: "/models/a/model.json"}
	require.NoError(t, h.SetGreeting(event.NameModel, first))
	conn := dial()
	assert.Equal(t, event.NameModel, readFrame(t, conn).Name)
	waitForViewers(t, h, 1)

	second := first
	second.ModelURL = "/models/b/model.json"
	require.NoError(t, h.UpdateGreeting(event.NameModel, second))
	f := readFrame(t, conn)
	require.Equal(t, event.NameModel, f.Name)
	assert.Contains(t, string(f.Payload), "/models/b/model.json")
	assert.Equal(t, 0, h.Stats().ReplayLen)

	late := dial()
	f = readFrame(t, late)
	assert.Contains(t, string(f.Payload), "/models/b/model.json")
}

func TestHub_EmitWithoutViewersIsRecorded(t *testing.T) {
	h, dial := testHub(t, Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel2", float64(i))))
	}
	s := h.Stats()
	assert.Equal(t, 0, s.Viewers)
	assert.Equal(t, 5, s.ReplayLen)
	assert.EqualValues(t, 5, s.Emitted)

	conn := dial()
	for i := 0; i < 5; i++ {
		assert.Equal(t, float64(i), scatterY(t, readFrame(t, conn)))
	}
}

func TestHub_EveryViewerSeesEveryEmissionOnce(t *testing.T) {
	h, dial := testHub(t, Config{})
	const total = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = h.Emit(event.NameScatterplot, scatter("#panel2", float64(i)))
		}
	}()
	// connect while emissions are in flight
	conns := []*websocket.Conn{dial(), dial(), dial()}
	wg.Wait()

	for _, conn := range conns {
		for i := 0; i < total; i++ {
			require.Equal(t, float64(i), scatterY(t, readFrame(t, conn)))
		}
	}
}

func TestHub_ClosedViewerDoesNotAffectOthers(t *testing.T) {
	h, dial := testHub(t, Config{})
	broken := dial()
	healthy := dial()
	waitForViewers(t, h, 2)

	require.NoError(t, broken.Close())
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel2", float64(i))))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, float64(i), scatterY(t, readFrame(t, healthy)))
	}
	waitForViewers(t, h, 1)
}

func TestHub_SlowViewerIsDropped(t *testing.T) {
	h, dial := testHub(t, Config{})
	healthy := dial()
	waitForViewers(t, h, 1)

	// A client whose queue never drains.
	conn := newConnPair(t)
	stuck := &Client{
		hub:  h,
		conn: conn,
		log:  zerolog.Nop(),
		w: &clientWriter{
			connection:  conn,
			sendChannel: make(chan [][]byte),
			doneChannel: make(chan struct{}),
		},
		pending: map[int64]chan event.Frame{},
	}
	require.NoError(t, h.register(stuck))
	waitForViewers(t, h, 2)

	require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel2", 7)))
	assert.Equal(t, 7.0, scatterY(t, readFrame(t, healthy)))
	waitForViewers(t, h, 1)
	assert.False(t, stuck.w.enqueue(nil))
}

func TestHub_ReplaceOverwritesSlot(t *testing.T) {
	h, dial := testHub(t, Config{})
	first := scatter("#panel2", 1)
	require.NoError(t, h.Replace(event.NameScatterplot, event.ReplayKey(first), first))
	require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel4", 9)))
	second := scatter("#panel2", 2)
	require.NoError(t, h.Replace(event.NameScatterplot, event.ReplayKey(second), second))
	assert.Equal(t, 2, h.Stats().ReplayLen)

	conn := dial()
	assert.Equal(t, 9.0, scatterY(t, readFrame(t, conn)))
	assert.Equal(t, 2.0, scatterY(t, readFrame(t, conn)))
}

func TestHub_ReplayLimitEvictsOldest(t *testing.T) {
	h, dial := testHub(t, Config{ReplayLimit: 3})
	for i := 0; i < 6; i++ {
		require.NoError(t, h.Emit(event.NameScatterplot, scatter("#panel2", float64(i))))
	}
	assert.Equal(t, 3, h.Stats().ReplayLen)

	conn := dial()
	for i := 3; i < 6; i++ {
		assert.Equal(t, float64(i), scatterY(t, readFrame(t, conn)))
	}
}

func TestHub_InboundRequestIsAnswered(t *testing.T) {
	h, dial := testHub(t, Config{})
	h.Handle("predict", func(c *Client, payload json.RawMessage, respond Respond) {
		var in struct{ X float64 }
		if err := json.Unmarshal(payload, &in); err != nil {
			respond(nil, err)
			return
		}
		respond(map[string]float64{"y": in.X * 2}, nil)
		respond(map[string]float64{"y": -1}, nil)
	})

	conn := dial()
	req, err := event.EncodeEvent("predict", map[string]float64{"x": 21}, 1)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	f := readFrame(t, conn)
	assert.Equal(t, event.FrameAck, f.Type)
	assert.EqualValues(t, 1, f.Ack)
	assert.JSONEq(t, `{"y":42}`, string(f.Payload))

	// no handler: the request still gets an error response
	req, err = event.EncodeEvent("unknown", nil, 2)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))
	f = readFrame(t, conn)
	assert.EqualValues(t, 2, f.Ack)
	assert.NotEmpty(t, f.Error)
}

func TestHub_RequestToViewer(t *testing.T) {
	h, dial := testHub(t, Config{})
	clients := make(chan *Client, 1)
	h.Handle("hello", func(c *Client, _ json.RawMessage, _ Respond) { clients <- c })

	conn := dial()
	hello, err := event.EncodeEvent("hello", nil, 0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))
	c := <-clients

	type result struct {
		payload json.RawMessage
		err     error
	}
	results := make(chan result, 2)
	go func() {
		p, err := c.Request(context.Background(), "sample", map[string]int{"n": 1})
		results <- result{p, err}
	}()

	f := readFrame(t, conn)
	require.Equal(t, event.Name("sample"), f.Name)
	require.Positive(t, f.Ack)
	ack, err := event.EncodeAck(f.Ack, []int{4, 5}, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ack))

	r := <-results
	require.NoError(t, r.err)
	assert.JSONEq(t, `[4,5]`, string(r.payload))

	go func() {
		p, err := c.Request(context.Background(), "sample", nil)
		results <- result{p, err}
	}()
	f = readFrame(t, conn)
	ack, err = event.EncodeAck(f.Ack, nil, assert.AnError)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ack))
	r = <-results
	assert.True(t, IsResponseError(r.err))

	// pending requests fail when the viewer goes away
	go func() {
		p, err := c.Request(context.Background(), "sample", nil)
		results <- result{p, err}
	}()
	readFrame(t, conn)
	require.NoError(t, conn.Close())
	select {
	case r = <-results:
		assert.ErrorIs(t, r.err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not fail after disconnect")
	}
}

func TestHub_RequestHonoursContext(t *testing.T) {
	h, dial := testHub(t, Config{})
	clients := make(chan *Client, 1)
	h.Handle("hello", func(c *Client, _ json.RawMessage, _ Respond) { clients <- c })

	conn := dial()
	hello, err := event.EncodeEvent("hello", nil, 0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))
	c := <-clients

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Request(ctx, "sample", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_HandlerCanRequestSameViewer(t *testing.T) {
	h, dial := testHub(t, Config{})
	type result struct {
		payload json.RawMessage
		err     error
	}
	results := make(chan result, 1)
	h.Handle("hello", func(c *Client, _ json.RawMessage, _ Respond) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p, err := c.Request(ctx, "sample", nil)
		results <- result{p, err}
	})

	conn := dial()
	hello, err := event.EncodeEvent("hello", nil, 0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))

	f := readFrame(t, conn)
	require.Equal(t, event.Name("sample"), f.Name)
	ack, err := event.EncodeAck(f.Ack, "pong", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ack))

	r := <-results
	require.NoError(t, r.err)
	assert.JSONEq(t, `"pong"`, string(r.payload))
}

func TestHub_SendReachesOneViewerOnly(t *testing.T) {
	h, dial := testHub(t, Config{})
	clients := make(chan *Client, 1)
	h.Handle("hello", func(c *Client, _ json.RawMessage, _ Respond) { clients <- c })

	target, other := dial(), dial()
	waitForViewers(t, h, 2)
	hello, err := event.EncodeEvent("hello", nil, 0)
	require.NoError(t, err)
	require.NoError(t, target.WriteMessage(websocket.TextMessage, hello))
	c := <-clients

	require.NoError(t, c.Send(event.NameScatterplot, scatter("#only", 7)))
	f := readFrame(t, target)
	assert.Equal(t, event.NameScatterplot, f.Name)
	assert.Zero(t, f.Ack)
	assert.Equal(t, 7.0, scatterY(t, f))
	assert.Zero(t, h.Stats().ReplayLen, "Send is not recorded for replay")

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "other viewer received a Send")

	require.NoError(t, target.Close())
	waitForViewers(t, h, 1)
	assert.Eventually(t, func() bool {
		return errors.Is(c.Send(event.NameScatterplot, scatter("#only", 8)), ErrClientClosed)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StopClosesViewers(t *testing.T) {
	h, dial := testHub(t, Config{})
	conn := dial()
	waitForViewers(t, h, 1)

	h.Stop()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.ErrorIs(t, h.Emit(event.NameScatterplot, scatter("#panel2", 1)), ErrStopped)
	assert.Equal(t, Stats{}, h.Stats())
	h.Stop()
}

func TestHub_PingsOnClockTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, dial := testHub(t, Config{Clock: clock, PingInterval: time.Second})

	pings := make(chan struct{}, 4)
	conn := dial()
	conn.SetPingHandler(func(string) error {
		pings <- struct{}{}
		return nil
	})
	waitForViewers(t, h, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping after tick")
	}
}

func TestReplayLog(t *testing.T) {
	l := replayLog{limit: 2}
	assert.Equal(t, 0, l.add(entry{key: "a", frame: []byte("1")}))
	assert.Equal(t, 0, l.add(entry{key: "b", frame: []byte("2")}))
	assert.Equal(t, 1, l.add(entry{key: "c", frame: []byte("3")}))
	assert.Equal(t, [][]byte{[]byte("2"), []byte("3")}, l.frames())

	assert.Equal(t, 0, l.replace(entry{key: "b", frame: []byte("4")}))
	assert.Equal(t, [][]byte{[]byte("3"), []byte("4")}, l.frames())

	unbounded := replayLog{}
	for i := 0; i < 100; i++ {
		unbounded.add(entry{frame: []byte{byte(i)}})
	}
	assert.Equal(t, 100, unbounded.len())
}
