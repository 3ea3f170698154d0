package viewer

import (
	"encoding/json"

	"tfview/pkg/event"
)

// Renderer draws decoded publisher events. Reset runs on every connect so the
// replay that follows rebuilds the view from scratch.
type Renderer interface {
	Reset()
	Model(event.Model)
	Scatterplot(event.Scatterplot)
	FitCallbacks(event.FitCallbacks)
	TrainFinished(event.TrainFinished)
}

// Bind registers handlers on s that decode every known event and pass it to r.
// Payloads that fail validation are logged and skipped.
func Bind(s *Socket, r Renderer) {
	s.On(event.NameConnect, func(json.RawMessage, Respond) { r.Reset() })
	for _, name := range []event.Name{event.NameModel, event.NameScatterplot, event.NameFitCallbacks, event.NameTrainFinished} {
		name := name
		s.On(name, func(payload json.RawMessage, _ Respond) {
			ev, err := event.Decode(name, payload)
			if err != nil {
				s.log.Warn().Err(err).Msg("event skipped")
				return
			}
			render(r, ev)
		})
	}
}

func render(r Renderer, ev event.Event) {
	switch e := ev.(type) {
	case event.Model:
		r.Model(e)
	case event.Scatterplot:
		r.Scatterplot(e)
	case event.FitCallbacks:
		r.FitCallbacks(e)
	case event.TrainFinished:
		r.TrainFinished(e)
	}
}
