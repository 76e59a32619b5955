// Package parser turns uploaded files into plain text for the
// ingestion pipeline. Supported formats: plain text and markdown, PDF,
// HTML (readability extraction), and DOCX.
package parser

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-shiori/go-readability"
)

// ErrUnsupportedType indicates a file format the parser cannot handle.
var ErrUnsupportedType = errors.New("unsupported file type")

// MaxFileSize bounds what the parser will accept.
const MaxFileSize = 10 * 1024 * 1024 // 10MB

var allowedExtensions = []string{".txt", ".md", ".pdf", ".html", ".htm", ".docx"}

// Supported reports whether the filename has a parseable extension.
func Supported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range allowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Parse extracts plain text from the file content based on the
// filename's extension.
func Parse(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt", ".md":
		return parseText(r)
	case ".pdf":
		return parsePDF(r)
	case ".html", ".htm":
		return parseHTML(r)
	case ".docx":
		return parseDOCX(r)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}
}

func parseText(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxFileSize {
		return "", fmt.Errorf("file exceeds size limit %d", MaxFileSize)
	}
	return string(data), nil
}

func parseHTML(r io.Reader) (string, error) {
	article, err := readability.FromReader(r, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	return article.TextContent, nil
}
