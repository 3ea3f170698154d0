package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FitField names the training lifecycle phase a FitCallbacks event reports.
type FitField string

const (
	OnTrainBegin FitField = "onTrainBegin"
	OnTrainEnd   FitField = "onTrainEnd"
	OnEpochBegin FitField = "onEpochBegin"
	OnEpochEnd   FitField = "onEpochEnd"
	OnBatchBegin FitField = "onBatchBegin"
	OnBatchEnd   FitField = "onBatchEnd"
	OnYield      FitField = "onYield"
)

func (f FitField) Valid() bool {
	switch f {
	case OnTrainBegin, OnTrainEnd, OnEpochBegin, OnEpochEnd, OnBatchBegin, OnBatchEnd, OnYield:
		return true
	}
	return false
}

// FitOptions tune the metric charts of a panel.
type FitOptions struct {
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	Callbacks []FitField `json:"callbacks,omitempty"`
}

// FitCallbacks forwards one training callback invocation to a metrics panel.
// Args are the callback arguments as the training loop received them, for
// epoch and batch phases that is [index, logs].
type FitCallbacks struct {
	Container Container         `json:"container"`
	Metrics   []string          `json:"metrics"`
	Options   *FitOptions       `json:"options,omitempty"`
	Field     FitField          `json:"field"`
	Args      []json.RawMessage `json:"args"`
}

// NewStep builds a FitCallbacks event for an epoch or batch phase.
func NewStep(c Container, metrics []string, field FitField, index int, logs map[string]float64) (FitCallbacks, error) {
	idx, err := json.Marshal(index)
	if err != nil {
		return FitCallbacks{}, err
	}
	l, err := json.Marshal(logs)
	if err != nil {
		return FitCallbacks{}, err
	}
	return FitCallbacks{
		Container: c,
		Metrics:   metrics,
		Field:     field,
		Args:      []json.RawMessage{idx, l},
	}, nil
}

// Step decodes the [index, logs] arguments of an epoch or batch phase.
func (f FitCallbacks) Step() (int, map[string]float64, error) {
	if len(f.Args) < 2 {
		return 0, nil, errors.New("step requires [index, logs] arguments")
	}
	var idx int
	if err := json.Unmarshal(f.Args[0], &idx); err != nil {
		return 0, nil, fmt.Errorf("step index: %w", err)
	}
	var logs map[string]float64
	if err := json.Unmarshal(f.Args[1], &logs); err != nil {
		return 0, nil, fmt.Errorf("step logs: %w", err)
	}
	return idx, logs, nil
}
