// Package artifact persists model artifacts in the layout viewers load them
// from: a directory holding model.json and its weight files.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tfview/internal/common/fsutil"
)

// File names of a layers-format artifact.
const (
	ManifestFile = "model.json"
	WeightsFile  = "weights.bin"
)

// Saver writes a model artifact into dir. dir exists and is empty.
type Saver interface {
	Save(ctx context.Context, dir string) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, dir string) error

func (f SaverFunc) Save(ctx context.Context, dir string) error { return f(ctx, dir) }

// Dir is a Saver that copies an artifact already written to disk, for
// example by a training script in another runtime.
type Dir string

func (d Dir) Save(ctx context.Context, dir string) error {
	src, err := fsutil.AbsDir(string(d))
	if err != nil {
		return err
	}
	if !fsutil.PathExists(filepath.Join(src, ManifestFile)) {
		return notAnArtifactError{path: src}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fsutil.CopyDir(src, dir)
}

// Manifest is the content of model.json.
type Manifest struct {
	ModelTopology   json.RawMessage `json:"modelTopology"`
	Format          string          `json:"format,omitempty"`
	GeneratedBy     string          `json:"generatedBy,omitempty"`
	ConvertedBy     string          `json:"convertedBy,omitempty"`
	WeightsManifest []WeightGroup   `json:"weightsManifest"`
}

// WeightGroup lists weights stored together in the files named by Paths.
type WeightGroup struct {
	Paths   []string     `json:"paths"`
	Weights []WeightSpec `json:"weights"`
}

// WeightSpec describes one weight tensor.
type WeightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// Elements is the number of values in the tensor.
func (w WeightSpec) Elements() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// Bytes is the encoded size of the tensor.
func (w WeightSpec) Bytes() (int, error) {
	switch w.DType {
	case "float32", "int32", "":
		return 4 * w.Elements(), nil
	case "bool":
		return w.Elements(), nil
	}
	return 0, fmt.Errorf("unsupported dtype %q for %s", w.DType, w.Name)
}

// Layers is a Saver producing a layers-model artifact: the topology and the
// weight specs in model.json, the concatenated weight values in weights.bin.
type Layers struct {
	Topology    json.RawMessage
	Weights     []WeightSpec
	Data        []byte
	GeneratedBy string
}

func (l Layers) Save(ctx context.Context, dir string) error {
	if len(l.Topology) == 0 {
		return fmt.Errorf("layers artifact: topology is required")
	}
	want := 0
	for _, w := range l.Weights {
		n, err := w.Bytes()
		if err != nil {
			return fmt.Errorf("layers artifact: %w", err)
		}
		want += n
	}
	if want != len(l.Data) {
		return fmt.Errorf("layers artifact: weight specs need %d bytes, have %d", want, len(l.Data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := Manifest{
		ModelTopology: l.Topology,
		Format:        "layers-model",
		GeneratedBy:   l.GeneratedBy,
		ConvertedBy:   "tfview",
		WeightsManifest: []WeightGroup{{
			Paths:   []string{"./" + WeightsFile},
			Weights: l.Weights,
		}},
	}
	if m.WeightsManifest[0].Weights == nil {
		m.WeightsManifest[0].Weights = []WeightSpec{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("layers artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, WeightsFile), l.Data, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), b, 0o644)
}

// Summary is a condensed view of a model topology.
type Summary struct {
	Class  string         `json:"class"`
	Name   string         `json:"name,omitempty"`
	Layers []LayerSummary `json:"layers"`
	Params int            `json:"params"`
}

// LayerSummary is one row of a model summary.
type LayerSummary struct {
	Name   string `json:"name"`
	Class  string `json:"class"`
	Params int    `json:"params"`
}

type kerasLayer struct {
	ClassName string `json:"class_name"`
	Config    struct {
		Name string `json:"name"`
	} `json:"config"`
}

// Summary lists the layers of the topology with their parameter counts. The
// topology may be a bare Keras model or one wrapped in model_config.
func (m Manifest) Summary() (Summary, error) {
	var top struct {
		ClassName   string          `json:"class_name"`
		Config      json.RawMessage `json:"config"`
		ModelConfig json.RawMessage `json:"model_config"`
	}
	if err := json.Unmarshal(m.ModelTopology, &top); err != nil {
		return Summary{}, fmt.Errorf("model topology: %w", err)
	}
	if len(top.ModelConfig) > 0 {
		if err := json.Unmarshal(top.ModelConfig, &top); err != nil {
			return Summary{}, fmt.Errorf("model topology: %w", err)
		}
	}
	s := Summary{Class: top.ClassName}

	var layers []kerasLayer
	cfg := strings.TrimSpace(string(top.Config))
	switch {
	case strings.HasPrefix(cfg, "["):
		if err := json.Unmarshal(top.Config, &layers); err != nil {
			return Summary{}, fmt.Errorf("model layers: %w", err)
		}
	case strings.HasPrefix(cfg, "{"):
		var obj struct {
			Name   string       `json:"name"`
			Layers []kerasLayer `json:"layers"`
		}
		if err := json.Unmarshal(top.Config, &obj); err != nil {
			return Summary{}, fmt.Errorf("model layers: %w", err)
		}
		s.Name = obj.Name
		layers = obj.Layers
	}

	params := map[string]int{}
	for _, g := range m.WeightsManifest {
		for _, w := range g.Weights {
			layer, _, _ := strings.Cut(w.Name, "/")
			params[layer] += w.Elements()
			s.Params += w.Elements()
		}
	}
	s.Layers = make([]LayerSummary, 0, len(layers))
	for _, l := range layers {
		s.Layers = append(s.Layers, LayerSummary{Name: l.Config.Name, Class: l.ClassName, Params: params[l.Config.Name]})
	}
	return s, nil
}
