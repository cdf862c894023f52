// Package web renders the server-side views and carries per-request view
// locals.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"maps"
	"net/http"
)

// View names.
const (
	ViewHome            = "home"
	ViewError           = "error"
	ViewForbidden       = "403"
	ViewUnauthenticated = "401"
)

//go:embed views/*.html
var viewFS embed.FS

var defaultTitles = map[string]string{
	ViewHome:            "Home",
	ViewError:           "Sorry, there was an error",
	ViewForbidden:       "Forbidden",
	ViewUnauthenticated: "Unauthenticated",
}

// Renderer executes the embedded views inside the shared layout.
type Renderer struct {
	serviceName string
	views       map[string]*template.Template
	logger      *slog.Logger
}

// NewRenderer parses every view.
func NewRenderer(serviceName string, logger *slog.Logger) (*Renderer, error) {
	views := make(map[string]*template.Template, len(defaultTitles))
	for name := range defaultTitles {
		tmpl, err := template.ParseFS(viewFS, "views/layout.html", "views/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse view %s: %w", name, err)
		}
		views[name] = tmpl
	}
	return &Renderer{serviceName: serviceName, views: views, logger: logger}, nil
}

// Render writes view with the request's locals merged under data. A zero
// status leaves the response status to the ResponseWriter default (200).
func (rd *Renderer) Render(w http.ResponseWriter, r *http.Request, status int, view string, data map[string]any) error {
	tmpl, ok := rd.views[view]
	if !ok {
		return fmt.Errorf("unknown view %q", view)
	}

	vars := map[string]any{
		"serviceName": rd.serviceName,
		"pageTitle":   defaultTitles[view],
	}
	maps.Copy(vars, Locals(r.Context()))
	maps.Copy(vars, data)

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", vars); err != nil {
		return fmt.Errorf("render %s: %w", view, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status != 0 {
		w.WriteHeader(status)
	}
	_, err := buf.WriteTo(w)
	return err
}
