package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// parsePDF extracts the plain text of every page. The pdf reader
// panics on some malformed files, so the panic is converted into an
// ordinary parse error.
func parsePDF(r io.Reader) (text string, err error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxFileSize {
		return "", fmt.Errorf("file exceeds size limit %d", MaxFileSize)
	}

	defer func() {
		if p := recover(); p != nil {
			text = ""
			err = fmt.Errorf("failed to parse PDF: %v", p)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}

	content, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract PDF text: %w", err)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, content); err != nil {
		return "", fmt.Errorf("failed to extract PDF text: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
