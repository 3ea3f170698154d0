package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tfview/pkg/artifact"
	"tfview/pkg/event"
	"tfview/pkg/tfview"
	"tfview/pkg/viewer"
)

const mpgTopology = `{"class_name":"Sequential","config":{"name":"mpg","layers":[
	{"class_name":"Dense","config":{"name":"hidden","units":4}},
	{"class_name":"Dense","config":{"name":"out","units":1}}]}}`

// mpgModel is a two layer regression model: 1x4 + 4 and 4x1 + 1 weights.
func mpgModel() artifact.Layers {
	return artifact.Layers{
		Topology: json.RawMessage(mpgTopology),
		Weights: []artifact.WeightSpec{
			{Name: "hidden/kernel", Shape: []int{1, 4}, DType: "float32"},
			{Name: "hidden/bias", Shape: []int{4}, DType: "float32"},
			{Name: "out/kernel", Shape: []int{4, 1}, DType: "float32"},
			{Name: "out/bias", Shape: []int{1}, DType: "float32"},
		},
		Data: make([]byte, 4*13),
	}
}

func newPublisher(t *testing.T) *tfview.Publisher {
	t.Helper()
	nop := zerolog.Nop()
	return tfview.New(tfview.Options{Addr: "127.0.0.1:0", Publish: t.TempDir(), Logger: &nop})
}

func openPublisher(t *testing.T, name string) *tfview.Publisher {
	t.Helper()
	p := newPublisher(t)
	if err := p.Open(context.Background(), name, mpgModel()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

// openViewer connects a dashboard viewer to p.
func openViewer(t *testing.T, p *tfview.Publisher) (*viewer.Socket, *viewer.Dashboard) {
	t.Helper()
	nop := zerolog.Nop()
	s, err := viewer.New(viewer.Options{URL: p.URL(), Logger: &nop})
	if err != nil {
		t.Fatalf("viewer: %v", err)
	}
	d := viewer.Watch(s, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("viewer open: %v", err)
	}
	t.Cleanup(s.Disconnect)
	return s, d
}

// dialRaw opens a plain websocket to p, the way the browser dashboard does.
func dialRaw(t *testing.T, p *tfview.Publisher) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.URL(), "http") + "/socket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readName(t *testing.T, conn *websocket.Conn) (event.Name, json.RawMessage) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := event.ParseFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return f.Name, f.Payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func scatterplot(selector, label string, pts ...event.Point) event.Scatterplot {
	return event.Scatterplot{
		Container: event.Container{Selector: selector, Name: label},
		Data:      event.SingleSeries(pts),
		Options:   event.AxisOptions{XLabel: "x", YLabel: "y"},
	}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
