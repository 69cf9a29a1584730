package docsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkdownAssembler writes the document as a Markdown file under Dir.
type MarkdownAssembler struct {
	Dir string
}

func (m MarkdownAssembler) Assemble(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(m.Dir, doc.ProjectID+".md")
	tmp, err := os.CreateTemp(m.Dir, ".assemble-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(RenderMarkdown(doc)); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// RenderMarkdown lays out a title followed by one H2 per section. Section
// bodies that already open with their own H2 are kept as is.
func RenderMarkdown(doc Document) string {
	var b strings.Builder
	name := doc.ProjectName
	if name == "" {
		name = doc.ProjectID
	}
	fmt.Fprintf(&b, "# Mémoire Technique - %s\n", name)
	for _, s := range doc.Sections {
		b.WriteString("\n")
		text := strings.TrimSpace(s.Text)
		if !strings.HasPrefix(text, "## ") {
			fmt.Fprintf(&b, "## %s\n\n", s.Title)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}
