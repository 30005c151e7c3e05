package web

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"net/url"

	"github.com/dokzlo13/fmbview/internal/view"
)

//go:embed templates/*.html
var templateFS embed.FS

// DefaultTitle is the page heading when none is configured.
const DefaultTitle = "OpenFMB devices"

// Renderer turns view state into HTML.
type Renderer struct {
	tpl   *template.Template
	title string
}

type pageData struct {
	Title string
	State view.State
}

// NewRenderer parses the embedded templates.
func NewRenderer(title string) (*Renderer, error) {
	if title == "" {
		title = DefaultTitle
	}
	tpl, err := template.New("web").
		Funcs(template.FuncMap{"deletePath": deletePath}).
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{tpl: tpl, title: title}, nil
}

// Page writes the full page for state.
func (r *Renderer) Page(w io.Writer, state view.State) error {
	return r.tpl.ExecuteTemplate(w, "page", pageData{Title: r.title, State: state})
}

// Devices writes the device list alone.
func (r *Renderer) Devices(w io.Writer, state view.State) error {
	return r.tpl.ExecuteTemplate(w, "devices", state)
}

// Block renders the fragment of one device block.
func (r *Renderer) Block(b view.Block) (string, error) {
	var buf bytes.Buffer
	if err := r.tpl.ExecuteTemplate(&buf, "block", b); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func deletePath(mrid string) string {
	return "/devices/" + url.PathEscape(mrid) + "/delete"
}
