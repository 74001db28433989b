package tgrelay

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
)

// LoadFinalMessage reads a pair's final-message body. HTML files are used
// verbatim; a .md file is rendered to HTML first, so either format can sit
// behind final_message_html_path.
func LoadFinalMessage(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("final message: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".md") {
		return string(raw), nil
	}
	var buf bytes.Buffer
	if err := goldmark.Convert(raw, &buf); err != nil {
		return "", fmt.Errorf("render final message: %w", err)
	}
	return buf.String(), nil
}
