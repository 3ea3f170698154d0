package tfview

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tfview/internal/hub"
	"tfview/pkg/event"
	"tfview/pkg/types"
)

// statusError carries the HTTP status for an error returned to the API layer.
type statusError struct {
	code int
	err  error
}

func (e statusError) Error() string   { return e.err.Error() }
func (e statusError) Unwrap() error   { return e.err }
func (e statusError) StatusCode() int { return e.code }

// service adapts a Publisher to the HTTP layer.
type service struct{ p *Publisher }

func (s service) ListModels() ([]types.Model, error) {
	s.p.mu.Lock()
	store := s.p.store
	s.p.mu.Unlock()
	if store == nil {
		return []types.Model{}, nil
	}
	return store.List()
}

func (s service) Status() types.StatusResponse {
	st := s.p.hub.Stats()
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	now := time.Now()
	resp := types.StatusResponse{
		Open:           s.p.open,
		Model:          s.p.model,
		ModelURL:       s.p.modelURL,
		Viewers:        st.Viewers,
		ReplayLen:      st.ReplayLen,
		ReplayLimit:    s.p.opts.ReplayLimit,
		EmittedTotal:   st.Emitted,
		ServerTimeUnix: now.Unix(),
	}
	if s.p.open {
		resp.UptimeSeconds = int64(now.Sub(s.p.started).Seconds())
		if m, err := s.p.store.Get(s.p.model); err == nil {
			resp.ModelUpdatedUnix = m.UpdatedUnix
		}
	}
	return resp
}

func (s service) Ready() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.open
}

// Emit validates a posted event against its schema before broadcasting it,
// so viewers only ever receive well-formed payloads.
func (s service) Emit(ctx context.Context, req types.EmitRequest) (types.EmitResponse, error) {
	name := event.Name(req.Name)
	ev, err := event.Decode(name, req.Payload)
	if err != nil {
		return types.EmitResponse{}, statusError{code: http.StatusBadRequest, err: err}
	}
	if req.Replace {
		err = s.p.hub.Replace(name, event.ReplayKey(ev), ev)
	} else {
		err = s.p.hub.Emit(name, ev)
	}
	if err != nil {
		if errors.Is(err, hub.ErrStopped) {
			return types.EmitResponse{}, statusError{code: http.StatusServiceUnavailable, err: err}
		}
		return types.EmitResponse{}, err
	}
	return types.EmitResponse{Name: req.Name, ReplayLen: s.p.hub.Stats().ReplayLen}, nil
}

func (s service) ServeSocket(ctx context.Context, conn *websocket.Conn) error {
	return s.p.hub.Serve(ctx, conn)
}
