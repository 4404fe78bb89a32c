// Package markdown implements agentloop.Tool for converting Markdown
// documents to plain text, useful when a model wants to read a document's
// body without its formatting markup.
package markdown

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/cortexflow/agentloop"
)

// Tool renders Markdown to plain text using goldmark's parser, walking the
// resulting AST and concatenating text nodes.
type Tool struct {
	md goldmark.Markdown
}

var _ agentloop.Tool = (*Tool)(nil)

// New creates a markdown-to-plain-text Tool.
func New() *Tool {
	return &Tool{md: goldmark.New()}
}

func (t *Tool) Name() string { return "markdown_to_text" }

func (t *Tool) Description() string {
	return "Convert a Markdown document to plain text, stripping formatting markup."
}

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"markdown":{"type":"string","description":"Markdown source text"}},"required":["markdown"]}`)
}

func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("markdown_to_text: invalid input: %w", err)
	}
	return ToPlainText(t.md, params.Markdown)
}

// ToPlainText parses src with md and returns the concatenated text of every
// leaf text node and code-block line, in document order, with a blank line
// after each paragraph and heading.
func ToPlainText(md goldmark.Markdown, src string) (string, error) {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n.Kind() {
		case ast.KindText:
			if !entering {
				return ast.WalkContinue, nil
			}
			tn := n.(*ast.Text)
			buf.Write(tn.Segment.Value(source))
			if tn.SoftLineBreak() || tn.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case ast.KindString:
			if !entering {
				return ast.WalkContinue, nil
			}
			sn := n.(*ast.String)
			buf.Write(sn.Value)
		case ast.KindCodeBlock, ast.KindFencedCodeBlock:
			if !entering {
				return ast.WalkContinue, nil
			}
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				buf.Write(lines.At(i).Value(source))
			}
		case ast.KindParagraph, ast.KindHeading:
			if !entering {
				buf.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("markdown_to_text: walk ast: %w", err)
	}

	return buf.String(), nil
}
