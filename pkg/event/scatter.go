package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Point is a single scatterplot sample.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ScatterData holds one or more point series.
//
// On the wire a single unnamed series is a flat array of points, several
// series are an array of arrays paired with Series names.
type ScatterData struct {
	Values [][]Point
	Series []string
}

// SingleSeries wraps points as one unnamed series.
func SingleSeries(points []Point) ScatterData {
	return ScatterData{Values: [][]Point{points}}
}

type scatterWire struct {
	Values json.RawMessage `json:"values"`
	Series []string        `json:"series,omitempty"`
}

func (d ScatterData) MarshalJSON() ([]byte, error) {
	var (
		values []byte
		err    error
	)
	switch {
	case len(d.Values) == 1 && len(d.Series) == 0:
		values, err = json.Marshal(nonNil(d.Values[0]))
	case len(d.Values) == 0:
		values = []byte("[]")
	default:
		series := make([][]Point, len(d.Values))
		for i, v := range d.Values {
			series[i] = nonNil(v)
		}
		values, err = json.Marshal(series)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(scatterWire{Values: values, Series: d.Series})
}

func (d *ScatterData) UnmarshalJSON(b []byte) error {
	var w scatterWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	d.Series = w.Series
	d.Values = nil
	raw := bytes.TrimSpace(w.Values)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '[' {
		return fmt.Errorf("data.values must be an array")
	}
	inner := bytes.TrimSpace(raw[1:])
	if len(inner) > 0 && inner[0] == '[' {
		return json.Unmarshal(raw, &d.Values)
	}
	var flat []Point
	if err := json.Unmarshal(raw, &flat); err != nil {
		return err
	}
	d.Values = [][]Point{flat}
	return nil
}

func nonNil(p []Point) []Point {
	if p == nil {
		return []Point{}
	}
	return p
}
