package services

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFService turns source documents into the flat text the segmenter expects.
type PDFService struct{}

func NewPDFService() *PDFService {
	return &PDFService{}
}

// ExtractText reads path and returns its plain text. PDF files are extracted
// page by page; anything else is treated as already-extracted text.
func (s *PDFService) ExtractText(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return s.extractPDF(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(data), nil
}

func (s *PDFService) extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}
