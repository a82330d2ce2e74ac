// Package layout renders log events into strings: destination keys (file
// paths, addresses, topics) and message bodies. Layouts are Go templates with
// the sprig function set, evaluated against View.
package layout

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	json "github.com/goccy/go-json"

	"logship/internal/models"
)

// DefaultLine is used when a sink does not configure a body layout
const DefaultLine = `{{ .Time.Format "2006-01-02 15:04:05.000" }}|{{ .Level }}|{{ .Source }}|{{ .Message }}`

// View is the data a template sees
type View struct {
	ID      string
	Level   string
	Source  string
	Message string
	Props   map[string]any
	Time    time.Time
	Seq     uint64
}

// Layout is a compiled template. A layout without template actions is a
// literal and renders without executing anything.
type Layout struct {
	text    string
	literal bool
	json    bool
	tmpl    *template.Template
	bufPool sync.Pool
}

// Compile parses text into a Layout
func Compile(text string) (*Layout, error) {
	l := &Layout{text: text}
	l.bufPool.New = func() any { return new(bytes.Buffer) }

	if !strings.Contains(text, "{{") {
		l.literal = true
		return l, nil
	}

	tmpl, err := template.New("layout").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=zero").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse layout %q: %w", text, err)
	}
	l.tmpl = tmpl
	return l, nil
}

// MustCompile is Compile that panics on error, for static layouts
func MustCompile(text string) *Layout {
	l, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return l
}

// JSON returns a layout rendering the whole event as one JSON object
func JSON() *Layout {
	return &Layout{text: "json", json: true}
}

// String returns the source text of the layout
func (l *Layout) String() string {
	return l.text
}

// IsLiteral reports whether every event renders to the same string
func (l *Layout) IsLiteral() bool {
	return l.literal
}

// Render evaluates the layout against an event
func (l *Layout) Render(e *models.LogEvent) (string, error) {
	if l.literal {
		return l.text, nil
	}
	if l.json {
		b, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("render json: %w", err)
		}
		return string(b), nil
	}

	buf := l.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer l.bufPool.Put(buf)

	if err := l.tmpl.Execute(buf, NewView(e)); err != nil {
		return "", fmt.Errorf("render layout %q: %w", l.text, err)
	}
	// missing map keys render as "<no value>"; drop them
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// NewView builds the template data for an event
func NewView(e *models.LogEvent) View {
	return View{
		ID:      e.ID,
		Level:   string(e.Level),
		Source:  e.Source,
		Message: e.Message,
		Props:   e.Properties,
		Time:    e.Timestamp,
		Seq:     e.Sequence,
	}
}
