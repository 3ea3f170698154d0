// Package event defines the closed set of events exchanged between a TfView
// publisher and its viewers, the payload schema of each event, and the JSON
// frame used on the wire.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Name identifies an event on the wire.
type Name string

const (
	NameModel         Name = "model"
	NameScatterplot   Name = "scatterplot"
	NameFitCallbacks  Name = "showFitCallbacks"
	NameTrainFinished Name = "trainFinished"

	// Transport lifecycle, observed locally by viewers. Never sent on the wire.
	NameConnect    Name = "connect"
	NameDisconnect Name = "disconnect"
)

// Valid reports whether n is one of the known event names.
func (n Name) Valid() bool {
	switch n {
	case NameModel, NameScatterplot, NameFitCallbacks, NameTrainFinished, NameConnect, NameDisconnect:
		return true
	}
	return false
}

// Sendable reports whether n may travel in a frame. The transport carries
// any non-lifecycle name; only the known names have a payload schema.
func (n Name) Sendable() bool {
	return strings.TrimSpace(string(n)) != "" && !n.Lifecycle()
}

// Lifecycle reports whether n is a transport lifecycle name.
func (n Name) Lifecycle() bool { return n == NameConnect || n == NameDisconnect }

// Event is implemented by the payload types of this package only.
type Event interface {
	EventName() Name
	sealed()
}

// Container addresses a panel in the dashboard.
type Container struct {
	// CSS selector of the panel, e.g. "#panel2".
	Selector string `json:"selector"`
	// Label shown above the panel.
	Name string `json:"name"`
}

func (c Container) validate() error {
	if strings.TrimSpace(c.Selector) == "" {
		return errors.New("container.selector is required")
	}
	return nil
}

// Model points viewers at a persisted model artifact. The publisher sends one
// automatically to every viewer on connect.
type Model struct {
	Container        Container `json:"container"`
	ModelURL         string    `json:"modelUrl"`
	WeightPathPrefix string    `json:"weightPathPrefix,omitempty"`
}

// Scatterplot renders one or more point series into a panel.
type Scatterplot struct {
	Container Container   `json:"container"`
	Data      ScatterData `json:"data"`
	Options   AxisOptions `json:"options"`
}

// AxisOptions labels the axes of a chart.
type AxisOptions struct {
	XLabel string `json:"xLabel"`
	YLabel string `json:"yLabel"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// TrainFinished announces the end of training and the finished model.
type TrainFinished struct {
	Data     json.RawMessage `json:"data,omitempty"`
	ModelURL string          `json:"modelUrl"`
}

func (Model) EventName() Name         { return NameModel }
func (Scatterplot) EventName() Name   { return NameScatterplot }
func (FitCallbacks) EventName() Name  { return NameFitCallbacks }
func (TrainFinished) EventName() Name { return NameTrainFinished }

func (Model) sealed()         {}
func (Scatterplot) sealed()   {}
func (FitCallbacks) sealed()  {}
func (TrainFinished) sealed() {}

// Validate checks the required fields of ev.
func Validate(ev Event) error {
	switch e := ev.(type) {
	case Model:
		if err := e.Container.validate(); err != nil {
			return err
		}
		if e.ModelURL == "" {
			return errors.New("modelUrl is required")
		}
	case Scatterplot:
		return e.Container.validate()
	case FitCallbacks:
		if err := e.Container.validate(); err != nil {
			return err
		}
		if !e.Field.Valid() {
			return fmt.Errorf("unknown fit callback field %q", e.Field)
		}
	case TrainFinished:
		if e.ModelURL == "" {
			return errors.New("modelUrl is required")
		}
	default:
		return fmt.Errorf("unsupported event type %T", ev)
	}
	return nil
}

// Decode parses the payload of a named event into its schema type.
func Decode(name Name, raw json.RawMessage) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch name {
	case NameModel:
		var m Model
		err = json.Unmarshal(raw, &m)
		ev = m
	case NameScatterplot:
		var s Scatterplot
		err = json.Unmarshal(raw, &s)
		ev = s
	case NameFitCallbacks:
		var f FitCallbacks
		err = json.Unmarshal(raw, &f)
		ev = f
	case NameTrainFinished:
		var t TrainFinished
		err = json.Unmarshal(raw, &t)
		ev = t
	default:
		return nil, fmt.Errorf("event %q has no payload schema", name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := Validate(ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return ev, nil
}

// ReplayKey identifies the panel slot an event occupies. Events sharing a key
// overwrite each other when emitted with overwrite semantics.
func ReplayKey(ev Event) string {
	switch e := ev.(type) {
	case Model:
		return string(NameModel) + " " + e.Container.Selector
	case Scatterplot:
		return string(NameScatterplot) + " " + e.Container.Selector
	case FitCallbacks:
		return string(NameFitCallbacks) + " " + e.Container.Selector + " " + string(e.Field)
	case TrainFinished:
		return string(NameTrainFinished)
	}
	return ""
}
