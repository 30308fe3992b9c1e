package http

import (
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const docsPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="docs"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({ url: "{{.SpecURL}}", dom_id: "#docs", deepLinking: true, docExpansion: "list" });
        };
    </script>
</body>
</html>`

var docsTemplate = template.Must(template.New("docs").Parse(docsPage))

// DocsHandler serves the OpenAPI document and a browser for it
type DocsHandler struct {
	title string
	spec  []byte
}

// NewDocsHandler creates a docs handler for an OpenAPI YAML document
func NewDocsHandler(title string, spec []byte) *DocsHandler {
	return &DocsHandler{title: title, spec: spec}
}

// RegisterRoutes registers documentation routes
func (h *DocsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/docs", h.Page())
	r.Get("/docs/openapi.yaml", h.Spec())
}

// Page handles GET /docs
func (h *DocsHandler) Page() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		data := struct{ Title, SpecURL string }{Title: h.title, SpecURL: "/docs/openapi.yaml"}
		if err := docsTemplate.Execute(w, data); err != nil {
			http.Error(w, "failed to render docs", http.StatusInternalServerError)
		}
	}
}

// Spec handles GET /docs/openapi.yaml
func (h *DocsHandler) Spec() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(h.spec)
	}
}
