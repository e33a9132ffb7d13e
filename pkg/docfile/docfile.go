// Package docfile identifies document bytes by file signature.
package docfile

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

type Kind string

const (
	KindUnknown Kind = ""
	KindPDF     Kind = "pdf"
	KindEPUB    Kind = "epub"
	KindDOCX    Kind = "docx"
	KindText    Kind = "txt"
	KindHTML    Kind = "html"
	KindMD      Kind = "md"
)

var contentTypes = map[Kind]string{
	KindPDF:  "application/pdf",
	KindEPUB: "application/epub+zip",
	KindDOCX: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	KindText: "text/plain",
	KindHTML: "text/html",
	KindMD:   "text/markdown",
}

// ContentType returns the MIME type for k, or application/octet-stream.
func (k Kind) ContentType() string {
	if ct, ok := contentTypes[k]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Extension returns the canonical file extension including the dot.
func (k Kind) Extension() string {
	if k == KindUnknown {
		return ""
	}
	return "." + string(k)
}

// KindFromName maps a file extension to a Kind.
func KindFromName(name string) Kind {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	switch ext {
	case "pdf":
		return KindPDF
	case "epub":
		return KindEPUB
	case "docx":
		return KindDOCX
	case "txt":
		return KindText
	case "htm", "html":
		return KindHTML
	case "md", "markdown":
		return KindMD
	}
	return KindUnknown
}

// Sniff detects PDF, EPUB and DOCX from magic bytes. ZIP containers are
// opened to tell EPUB from DOCX.
func Sniff(data []byte) Kind {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF
	}
	if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return KindUnknown
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return KindUnknown
	}
	kind := KindUnknown
	for _, f := range zr.File {
		switch {
		case f.Name == "mimetype":
			if readSmall(f) == "application/epub+zip" {
				return KindEPUB
			}
		case f.Name == "META-INF/container.xml":
			kind = KindEPUB
		case f.Name == "word/document.xml":
			return KindDOCX
		}
	}
	return kind
}

func readSmall(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 64))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Info describes a document discovered on disk.
type Info struct {
	Kind      Kind
	PageCount int
}

// Inspect resolves the document kind from its name, falling back to the
// signature, and counts PDF pages when possible.
func Inspect(name string, data []byte) Info {
	kind := KindFromName(name)
	if kind == KindUnknown {
		kind = Sniff(data)
	}
	info := Info{Kind: kind}
	if kind == KindPDF {
		if n, err := PDFPageCount(data); err == nil {
			info.PageCount = n
		}
	}
	return info
}

// PDFPageCount parses the PDF cross-reference table and returns the page count.
func PDFPageCount(data []byte) (n int, err error) {
	defer func() {
		// The parser panics on some malformed inputs.
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	return reader.NumPage(), nil
}
