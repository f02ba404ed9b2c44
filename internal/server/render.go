package server

import (
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/shelfgate/internal/idempotency"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
)

// formSpec describes the inputs of a built-in form page. Action may hold one
// %v verb, filled with the id of the entity the page edits.
type formSpec struct {
	Action    string
	Multipart bool
	// Idempotent forms carry a fresh idempotency_key so a resubmit is deduplicated.
	Idempotent bool
	Inputs     []formInput
}

type formInput struct {
	Name, Type string
	// Source is the entity field that prefills the input; defaults to Name.
	Source string
}

var builtinForms = map[string]formSpec{
	"login":   {Action: "/login", Inputs: []formInput{{"email", "email", ""}, {"password", "password", ""}}},
	"sign_up": {Action: "/register", Inputs: []formInput{{"email", "email", ""}, {"password", "password", ""}}},
	"add_book": {Action: "/add_book", Multipart: true, Idempotent: true, Inputs: []formInput{
		{"title", "text", ""}, {"details", "text", ""}, {"author", "select", ""}, {"is_borrowed", "checkbox", ""}, {"photo", "file", ""},
	}},
	"add_author": {Action: "/add_author", Multipart: true, Idempotent: true, Inputs: []formInput{
		{"firstname", "text", ""}, {"lastname", "text", ""}, {"photo", "file", ""},
	}},
	"add_subscriber": {Action: "/add_subscriber", Idempotent: true, Inputs: []formInput{
		{"firstname", "text", ""}, {"lastname", "text", ""}, {"email", "email", ""},
	}},
	"update_book_form": {Action: "/book/%v", Multipart: true, Inputs: []formInput{
		{"title", "text", ""}, {"details", "text", ""}, {"author", "select", "author_id"}, {"is_borrowed", "checkbox", ""},
		{"existing_photo", "hidden", "photo"}, {"photo", "file", ""},
	}},
	"update_author_form": {Action: "/author/%v", Multipart: true, Inputs: []formInput{
		{"firstname", "text", ""}, {"lastname", "text", ""}, {"existing_photo", "hidden", "photo"}, {"photo", "file", ""},
	}},
}

type formView struct {
	Action    string
	Multipart bool
	Inputs    []inputView
}

type inputView struct {
	Name, Type, Value string
	Checked           bool
	Options           []optionView
}

type optionView struct {
	Value, Label string
	Selected     bool
}

// build fills the form from the page: the edited entity prefills the inputs
// and the page items become the choices of select inputs.
func (f formSpec) build(page PageData) *formView {
	v := &formView{Action: f.Action, Multipart: f.Multipart}
	if strings.Contains(f.Action, "%v") {
		v.Action = fmt.Sprintf(f.Action, field(page.Item, "id"))
	}
	for _, in := range f.Inputs {
		source := in.Source
		if source == "" {
			source = in.Name
		}
		iv := inputView{Name: in.Name, Type: in.Type}
		switch in.Type {
		case "file", "password":
		case "checkbox":
			iv.Checked = field(page.Item, source) == "true"
		default:
			iv.Value = field(page.Item, source)
		}
		if in.Type == "select" {
			for _, item := range page.Items {
				id := field(item, "id")
				iv.Options = append(iv.Options, optionView{
					Value:    id,
					Label:    strings.TrimSpace(field(item, "firstname") + " " + field(item, "lastname")),
					Selected: id != "" && id == iv.Value,
				})
			}
		}
		v.Inputs = append(v.Inputs, iv)
	}
	return v
}

func field(e upstream.Entity, key string) string {
	v, ok := e[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

const layout = `{{define "layout"}}<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Page.Title}}</title></head>
<body>
<h1>{{.Page.Title}}</h1>
{{- if .Page.Error}}
<p class="error">{{if .Page.Status}}{{.Page.Status}}: {{end}}{{.Page.Error}}</p>
{{- end}}
{{- with .Form}}
<form method="post" action="{{.Action}}"{{if .Multipart}} enctype="multipart/form-data"{{end}}>
{{- if $.Key}}
<input type="hidden" name="idempotency_key" value="{{$.Key}}">
{{- end}}
{{- range .Inputs}}
{{- if eq .Type "hidden"}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- else if eq .Type "select"}}
<label>{{.Name}} <select name="{{.Name}}">{{range .Options}}<option value="{{.Value}}"{{if .Selected}} selected{{end}}>{{.Label}}</option>{{end}}</select></label>
{{- else}}
<label>{{.Name}} <input type="{{.Type}}" name="{{.Name}}"{{if .Value}} value="{{.Value}}"{{end}}{{if .Checked}} checked{{end}}></label>
{{- end}}
{{- end}}
<button type="submit">Submit</button>
</form>
{{- end}}
{{- with .Page.Item}}
<dl>{{range $k, $v := .}}<dt>{{$k}}</dt><dd>{{$v}}</dd>{{end}}</dl>
{{- end}}
{{- if .Page.Items}}
<ul>{{range .Page.Items}}<li>{{range $k, $v := .}}<span class="{{$k}}">{{$v}}</span> {{end}}</li>{{end}}</ul>
{{- end}}
</body></html>
{{end}}`

// TemplateRenderer is the built-in echo.Renderer. It renders every page
// through one plain layout so the gateway works without a template set.
type TemplateRenderer struct {
	tmpl *template.Template
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{tmpl: template.Must(template.New("pages").Parse(layout))}
}

type view struct {
	Name string
	Page PageData
	Form *formView
	Key  string
}

func (r *TemplateRenderer) Render(w io.Writer, name string, data any, _ echo.Context) error {
	page, ok := data.(PageData)
	if !ok {
		return fmt.Errorf("render %s: unexpected data %T", name, data)
	}
	v := view{Name: name, Page: page}
	if spec, ok := builtinForms[name]; ok {
		v.Form = spec.build(page)
		if spec.Idempotent {
			v.Key = idempotency.NewKey()
		}
	}
	return r.tmpl.ExecuteTemplate(w, "layout", v)
}
