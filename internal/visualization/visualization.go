// Package visualization renders a 2-D scatter plot of stored mapping
// embeddings and caches it for the process lifetime.
package visualization

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/knoguchi/conceptindex/internal/repository"
)

// DefaultSampleSize is the number of mappings drawn for one plot.
const DefaultSampleSize = 1000

// Source provides mappings with embeddings.
type Source interface {
	SampleMappings(ctx context.Context, limit int) ([]*repository.Mapping, error)
}

// Plot caches the rendered page. The first Get computes it; Refresh
// recomputes it unconditionally.
type Plot struct {
	src        Source
	sampleSize int
	logger     *slog.Logger

	mu   sync.Mutex
	html []byte
}

// NewPlot creates an empty plot cache.
func NewPlot(src Source, sampleSize int, logger *slog.Logger) *Plot {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plot{src: src, sampleSize: sampleSize, logger: logger}
}

func (p *Plot) cached() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html
}

// Get returns the cached page, computing it on first use. Concurrent first
// calls may both compute; the results are equivalent.
func (p *Plot) Get(ctx context.Context) ([]byte, error) {
	if html := p.cached(); html != nil {
		return html, nil
	}
	html, err := p.compute(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.html == nil {
		p.html = html
	}
	return p.html, nil
}

// Refresh recomputes and replaces the cached page.
func (p *Plot) Refresh(ctx context.Context) ([]byte, error) {
	html, err := p.compute(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.html = html
	p.mu.Unlock()
	return html, nil
}

func (p *Plot) compute(ctx context.Context) ([]byte, error) {
	start := time.Now()
	mappings, err := p.src.SampleMappings(ctx, p.sampleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to sample mappings: %w", err)
	}
	html, err := Render(mappings)
	if err != nil {
		return nil, err
	}
	p.logger.Info("rendered visualization",
		"mappings", len(mappings),
		"duration", time.Since(start),
	)
	return html, nil
}

type trace struct {
	Name string    `json:"name"`
	X    []float64 `json:"x"`
	Y    []float64 `json:"y"`
	Text []string  `json:"text"`
	Mode string    `json:"mode"`
	Type string    `json:"type"`
}

type figure struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Traces []trace `json:"traces"`
}

// Render projects each sentence embedder's mappings separately (vectors of
// different models live in different spaces) and draws one trace per
// terminology.
func Render(mappings []*repository.Mapping) ([]byte, error) {
	byModel := make(map[string][]*repository.Mapping)
	for _, m := range mappings {
		if len(m.Embedding) == 0 {
			continue
		}
		byModel[m.SentenceEmbedder] = append(byModel[m.SentenceEmbedder], m)
	}

	models := make([]string, 0, len(byModel))
	for model := range byModel {
		models = append(models, model)
	}
	sort.Strings(models)

	figures := make([]figure, 0, len(models))
	for i, model := range models {
		group := byModel[model]
		vectors := make([][]float32, len(group))
		for j, m := range group {
			vectors[j] = m.Embedding
		}
		points, err := Project2D(vectors)
		if err != nil {
			return nil, fmt.Errorf("failed to project %s embeddings: %w", model, err)
		}

		traces := map[string]*trace{}
		var order []string
		for j, m := range group {
			name := m.Concept.Terminology.Name
			tr, ok := traces[name]
			if !ok {
				tr = &trace{Name: name, Mode: "markers", Type: "scatter"}
				traces[name] = tr
				order = append(order, name)
			}
			tr.X = append(tr.X, points[j][0])
			tr.Y = append(tr.Y, points[j][1])
			tr.Text = append(tr.Text, fmt.Sprintf("%s: %s (%s)", m.Concept.ID, m.Concept.Name, m.Text))
		}
		sort.Strings(order)

		fig := figure{ID: fmt.Sprintf("plot-%d", i), Title: model}
		for _, name := range order {
			fig.Traces = append(fig.Traces, *traces[name])
		}
		figures = append(figures, fig)
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, struct {
		Count   int
		Figures []figure
	}{Count: len(mappings), Figures: figures}); err != nil {
		return nil, fmt.Errorf("failed to render page: %w", err)
	}
	return buf.Bytes(), nil
}

var pageTemplate = template.Must(template.New("plot").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Mapping embeddings</title>
<script src="https://cdn.plot.ly/plotly-2.35.2.min.js"></script>
</head>
<body>
<h1>Mapping embeddings</h1>
<p>{{.Count}} sampled mappings, projected to two principal components per sentence embedder.</p>
{{range .Figures}}<div id="{{.ID}}" style="width:100%;height:600px;"></div>
{{else}}<p>No mappings stored yet.</p>
{{end}}<script>
const figures = {{.Figures}};
for (const f of figures) {
  Plotly.newPlot(f.id, f.traces, {title: f.title, hovermode: "closest"});
}
</script>
</body>
</html>
`))
