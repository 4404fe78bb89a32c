// Package pdf implements agentloop.Tool for extracting plain text from PDF
// content supplied as base64.
package pdf

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/cortexflow/agentloop"
)

// Tool extracts plain text from PDF documents using ledongthuc/pdf
// (pure Go, no CGO).
type Tool struct{}

var _ agentloop.Tool = (*Tool)(nil)

// New creates a PDF extraction Tool.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Name() string { return "extract_pdf" }

func (t *Tool) Description() string {
	return "Extract plain text from a base64-encoded PDF document."
}

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"content_base64":{"type":"string","description":"Base64-encoded PDF bytes"}},"required":["content_base64"]}`)
}

func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		ContentBase64 string `json:"content_base64"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("extract_pdf: invalid input: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(params.ContentBase64)
	if err != nil {
		return "", fmt.Errorf("extract_pdf: invalid base64: %w", err)
	}

	return extract(raw)
}

func extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("extract_pdf: empty content")
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract_pdf: open pdf: %w", err)
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract_pdf: extract text: %w", err)
	}

	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("extract_pdf: read text: %w", err)
	}

	return strings.TrimSpace(string(text)), nil
}
