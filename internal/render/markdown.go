package render

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrivohq/scrivo/internal/template"
)

// markdownPlugin renders a markdown document with YAML front matter. The
// default layout covers the base refinement fields; template files replace
// the whole body.
type markdownPlugin struct{}

func (markdownPlugin) Name() string      { return "markdown" }
func (markdownPlugin) Extension() string { return ".md" }

func (p markdownPlugin) Render(in Input, tmpl *template.Template) ([]byte, error) {
	if tmpl != nil {
		return executeBody(p.Name(), tmpl.Body, in)
	}

	var b strings.Builder
	b.WriteString(frontMatter(in))
	fmt.Fprintf(&b, "# %s\n", in.Title)

	if s := in.Context.StringField("summary"); s != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", s)
	}
	writeList(&b, "Key Takeaways", in.Context.StringsField("key_takeaways"))
	writeList(&b, "Action Items", in.Context.StringsField("action_items"))
	writeList(&b, "Quotes", in.Context.StringsField("quotes"))
	if text := in.Context.StringField("clean_text"); text != "" {
		fmt.Fprintf(&b, "\n## Transcript\n\n%s\n", text)
	}

	return []byte(b.String()), nil
}

// frontMatter emits the YAML header linking the artifact back to its job.
func frontMatter(in Input) string {
	meta := map[string]any{
		"title": in.Title,
		"date":  in.Date.Format("2006-01-02"),
		"job":   in.JobID,
	}
	if in.Language != "" {
		meta["language"] = in.Language
	}
	if participants := in.Context.StringsField("participants"); len(participants) > 0 {
		meta["participants"] = participants
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return "---\n---\n\n"
	}
	return "---\n" + string(data) + "---\n\n"
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
