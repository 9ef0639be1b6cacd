package render

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
)

//go:embed templates/*.tmpl templates/kickstart/*.ks
var templatesFS embed.FS

// Engine renders templates embedded in the package as well as caller supplied
// template bodies. Both share the sprig function map.
type Engine struct {
	templates *template.Template
	funcs     template.FuncMap
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	funcs := sprig.TxtFuncMap()
	t, err := template.New("render").Funcs(funcs).Option("missingkey=error").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t, funcs: funcs}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// RenderString parses body as a template and executes it with data. The name
// only shows up in error messages.
func (e *Engine) RenderString(name, body string, data any) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil engine")
	}

	t, err := template.New(name).Funcs(e.funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}

	buf := bytes.NewBuffer(nil)
	if err := t.Execute(buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// Source returns the raw, unrendered content of an embedded file under
// templates/, e.g. "kickstart/default.ks".
func (e *Engine) Source(name string) (string, error) {
	raw, err := fs.ReadFile(templatesFS, "templates/"+name)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
