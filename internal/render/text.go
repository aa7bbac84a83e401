package render

import (
	"fmt"
	"strings"

	"github.com/scrivohq/scrivo/internal/template"
)

// textPlugin renders a plain-text document: title, summary, clean text.
type textPlugin struct{}

func (textPlugin) Name() string      { return "text" }
func (textPlugin) Extension() string { return ".txt" }

func (p textPlugin) Render(in Input, tmpl *template.Template) ([]byte, error) {
	if tmpl != nil {
		return executeBody(p.Name(), tmpl.Body, in)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", in.Title, strings.Repeat("=", len(in.Title)))

	if s := in.Context.StringField("summary"); s != "" {
		fmt.Fprintf(&b, "\n%s\n", s)
	}
	if text := in.Context.StringField("clean_text"); text != "" {
		fmt.Fprintf(&b, "\n%s\n", text)
	}

	return []byte(b.String()), nil
}
