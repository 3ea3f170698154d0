package viewer

import (
	"bytes"
	"context"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tfview/internal/logging"
	"tfview/pkg/artifact"
	"tfview/pkg/event"
)

const fetchTimeout = 10 * time.Second

// PanelKind is the kind of content a panel last received.
type PanelKind string

const (
	PanelModel       PanelKind = "model"
	PanelScatterplot PanelKind = "scatterplot"
	PanelFit         PanelKind = "fit"
)

// Step is one epoch or batch report of a metrics panel.
type Step struct {
	Field event.FitField
	Index int
	Logs  map[string]float64
}

// Panel is the rendered state of one dashboard container.
type Panel struct {
	Selector string
	Label    string
	Kind     PanelKind

	ModelURL string
	Summary  *artifact.Summary
	FetchErr string

	Data event.ScatterData
	Axes event.AxisOptions

	Metrics []string
	Phase   event.FitField
	History []Step
}

// ID is the element id addressed by the panel selector.
func (p Panel) ID() string { return strings.TrimPrefix(p.Selector, "#") }

// Latest returns the most recent step, nil before the first one.
func (p Panel) Latest() *Step {
	if len(p.History) == 0 {
		return nil
	}
	return &p.History[len(p.History)-1]
}

// Dashboard keeps the state of every panel a publisher has addressed. It is
// the Renderer used by the watch command and the end-to-end tests.
type Dashboard struct {
	client  *http.Client
	baseURL string
	log     zerolog.Logger

	mu       sync.Mutex
	panels   map[string]*Panel
	finished *event.TrainFinished
}

// NewDashboard returns an empty dashboard. Model summaries are fetched from
// baseURL with client; an empty baseURL disables fetching.
func NewDashboard(client *http.Client, baseURL string) *Dashboard {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dashboard{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     logging.Component("dashboard"),
		panels:  map[string]*Panel{},
	}
}

// Watch binds a new dashboard to s.
func Watch(s *Socket, client *http.Client) *Dashboard {
	d := NewDashboard(client, s.BaseURL())
	d.log = s.log.With().Str("component", "dashboard").Logger()
	Bind(s, d)
	return d
}

func (d *Dashboard) panel(c event.Container, kind PanelKind) *Panel {
	p, ok := d.panels[c.Selector]
	if !ok || p.Kind != kind {
		p = &Panel{Selector: c.Selector, Kind: kind}
		d.panels[c.Selector] = p
	}
	p.Label = c.Name
	return p
}

func (d *Dashboard) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panels = map[string]*Panel{}
	d.finished = nil
}

func (d *Dashboard) Model(m event.Model) {
	summary, fetchErr := d.summary(m.ModelURL)
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.panel(m.Container, PanelModel)
	p.ModelURL = m.ModelURL
	p.Summary = summary
	p.FetchErr = fetchErr
}

func (d *Dashboard) summary(modelURL string) (*artifact.Summary, string) {
	if d.baseURL == "" {
		return nil, ""
	}
	u := resolveRef(d.baseURL, modelURL)
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	m, err := artifact.Fetch(ctx, d.client, u)
	if err != nil {
		d.log.Warn().Err(err).Str("model_url", u).Msg("model fetch failed")
		return nil, err.Error()
	}
	s, err := m.Summary()
	if err != nil {
		d.log.Warn().Err(err).Str("model_url", u).Msg("model summary failed")
		return nil, err.Error()
	}
	return &s, ""
}

func (d *Dashboard) Scatterplot(s event.Scatterplot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.panel(s.Container, PanelScatterplot)
	p.Data = s.Data
	p.Axes = s.Options
}

func (d *Dashboard) FitCallbacks(f event.FitCallbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.panel(f.Container, PanelFit)
	p.Metrics = f.Metrics
	p.Phase = f.Field
	switch f.Field {
	case event.OnTrainBegin:
		p.History = nil
	case event.OnEpochEnd, event.OnBatchEnd:
		idx, logs, err := f.Step()
		if err != nil {
			d.log.Warn().Err(err).Str("selector", f.Container.Selector).Msg("fit step skipped")
			return
		}
		p.History = append(p.History, Step{Field: f.Field, Index: idx, Logs: logs})
	}
}

func (d *Dashboard) TrainFinished(t event.TrainFinished) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = &t
}

// Finished returns the trainFinished event, if training ended.
func (d *Dashboard) Finished() (event.TrainFinished, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished == nil {
		return event.TrainFinished{}, false
	}
	return *d.finished, true
}

// Label returns the label of the panel at selector, empty if none.
func (d *Dashboard) Label(selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.panels[selector]; ok {
		return p.Label
	}
	return ""
}

// Panel returns a copy of the panel at selector.
func (d *Dashboard) Panel(selector string) (Panel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.panels[selector]
	if !ok {
		return Panel{}, false
	}
	return clonePanel(p), true
}

// Panels returns copies of every panel ordered by selector.
func (d *Dashboard) Panels() []Panel {
	d.mu.Lock()
	out := make([]Panel, 0, len(d.panels))
	for _, p := range d.panels {
		out = append(out, clonePanel(p))
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Selector < out[j].Selector })
	return out
}

func clonePanel(p *Panel) Panel {
	c := *p
	c.History = append([]Step(nil), p.History...)
	c.Metrics = append([]string(nil), p.Metrics...)
	return c
}

var pageTmpl = template.Must(template.New("dashboard").Parse(`<div class="tf-dashboard">
{{- range .Panels}}
<section id="{{.ID}}" class="tf-panel tf-{{.Kind}}"><div class="tf-label">{{.Label}}</div>
{{- if .Summary}}
<table class="tf-summary"><tr><th>Layer</th><th>Class</th><th>Params</th></tr>
{{- range .Summary.Layers}}<tr><td>{{.Name}}</td><td>{{.Class}}</td><td>{{.Params}}</td></tr>{{end}}
<tr><td colspan="2">Total</td><td>{{.Summary.Params}}</td></tr></table>
{{- else if .FetchErr}}<p class="tf-error">{{.FetchErr}}</p>{{end}}
{{- if eq .Kind "scatterplot"}}<p class="tf-axes">{{.Axes.XLabel}} / {{.Axes.YLabel}}: {{len .Data.Values}} series</p>{{end}}
{{- with .Latest}}<p class="tf-step">{{.Field}} {{.Index}}{{range $k, $v := .Logs}} {{$k}}={{$v}}{{end}}</p>{{end}}
</section>
{{- end}}
{{- with .Finished}}
<p class="tf-finished">Training finished: {{.ModelURL}}</p>
{{- end}}
</div>
`))

// HTML renders the panels as a static page fragment.
func (d *Dashboard) HTML() string {
	data := struct {
		Panels   []Panel
		Finished *event.TrainFinished
	}{Panels: d.Panels()}
	if f, ok := d.Finished(); ok {
		data.Finished = &f
	}
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, data); err != nil {
		d.log.Error().Err(err).Msg("render failed")
		return ""
	}
	return buf.String()
}
