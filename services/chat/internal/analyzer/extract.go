package analyzer

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// ErrNoText means the file type carries no extractable text (images, legacy
// .doc) or the document is empty.
var ErrNoText = errors.New("analyzer: no extractable text")

// ExtractText returns normalized plain text for PDFs and DOCX files.
func ExtractText(data []byte, mimeType, fileName string) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	var (
		text string
		err  error
	)
	switch {
	case mimeType == mimePDF || ext == ".pdf":
		text, err = extractPDF(data)
	case mimeType == mimeDOCX || ext == ".docx":
		text, err = extractDOCX(data)
	default:
		return "", ErrNoText
	}
	if err != nil {
		return "", err
	}
	text = normalizeText(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var buf strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// skip problematic pages
			continue
		}
		buf.WriteString(text)
		buf.WriteString(" ")
	}
	return buf.String(), nil
}

func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, file := range zr.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("read docx body: %w", err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read docx body: %w", err)
		}
		doc, err := html.Parse(bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("parse docx body: %w", err)
		}
		return extractNodeText(doc), nil
	}
	return "", fmt.Errorf("docx: word/document.xml missing")
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

// paragraph-like elements in HTML and WordprocessingML
var blockElements = map[string]struct{}{
	"p": {}, "br": {}, "div": {}, "li": {},
	"w:p": {}, "w:br": {}, "w:tab": {},
}

func extractNodeText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode {
			if _, ok := blockElements[node.Data]; ok {
				buf.WriteString(" ")
			}
		}
	}
	walk(n)
	return buf.String()
}
