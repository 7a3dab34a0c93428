package server

import (
	"bytes"
	"html/template"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
)

type routeDoc struct {
	Method string
	Path   string
}

// docsHandler lists every registered route.
func docsHandler(routes chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var docs []routeDoc
		walk := func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			if route != "/" && strings.HasSuffix(route, "/") {
				route = strings.TrimSuffix(route, "/")
			}
			docs = append(docs, routeDoc{Method: method, Path: route})
			return nil
		}
		if err := chi.Walk(routes, walk); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		sort.Slice(docs, func(i, j int) bool {
			if docs[i].Path != docs[j].Path {
				return docs[i].Path < docs[j].Path
			}
			return docs[i].Method < docs[j].Method
		})

		var buf bytes.Buffer
		if err := docsTemplate.Execute(&buf, struct {
			Version string
			Routes  []routeDoc
		}{Version: Version, Routes: docs}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>INDEX {{.Version}}</title>
</head>
<body>
<h1>INDEX</h1>
<p>INDEX uses vector embeddings of variable descriptions to suggest mappings for datasets based on
their semantic similarity. Mappings are stored with their vector representations in a knowledge base,
where they improve later suggestions.</p>
<p><a href="/visualization">Current DB state</a> (2-D projection of up to 1000 stored mappings)</p>
<h2>Routes</h2>
<table>
<tr><th>Method</th><th>Path</th></tr>
{{range .Routes}}<tr><td>{{.Method}}</td><td><code>{{.Path}}</code></td></tr>
{{end}}</table>
</body>
</html>
`))
