// Package docs extracts plain text from uploaded syllabus documents.
package docs

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blueflame567/SyllabTrack/app/models"
	docx "github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"
)

// UnsupportedFormatError is returned for file types other than pdf and docx.
type UnsupportedFormatError struct {
	FileName string
}

func (e *UnsupportedFormatError) Error() string {
	return "unsupported file type. Please upload PDF or DOCX"
}

// ExtractionError means the document could not be read.
type ExtractionError struct {
	Format string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract text from %s: %v", e.Format, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// FormatFor maps a file name to its format tag.
func FormatFor(fileName string) (string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return models.FormatPDF, nil
	case ".docx", ".doc":
		return models.FormatDOCX, nil
	default:
		return "", &UnsupportedFormatError{FileName: fileName}
	}
}

// ExtractText returns the plain text of data in the given format.
func ExtractText(data []byte, format string) (string, error) {
	switch format {
	case models.FormatPDF:
		return extractPDF(data)
	case models.FormatDOCX:
		return extractDOCX(data)
	case models.FormatTXT:
		return string(data), nil
	default:
		return "", &UnsupportedFormatError{}
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Format: models.FormatPDF, Err: fmt.Errorf("malformed pdf: %v", r)}
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &ExtractionError{Format: models.FormatPDF, Err: err}
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", &ExtractionError{Format: models.FormatPDF, Err: err}
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", &ExtractionError{Format: models.FormatPDF, Err: err}
	}
	return buf.String(), nil
}

const (
	docxBody = "word/document.xml"

	// maxDOCXUncompressed caps the declared size of all archive entries.
	maxDOCXUncompressed = 32 << 20
)

var errDOCXTooLarge = errors.New("document expands beyond the size limit")

func extractDOCX(data []byte) (string, error) {
	return extractDOCXLimit(data, maxDOCXUncompressed)
}

func extractDOCXLimit(data []byte, limit uint64) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Format: models.FormatDOCX, Err: fmt.Errorf("malformed docx: %v", r)}
		}
	}()

	if err := checkArchive(data, limit); err != nil {
		return "", &ExtractionError{Format: models.FormatDOCX, Err: err}
	}
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &ExtractionError{Format: models.FormatDOCX, Err: err}
	}

	var b strings.Builder
	for _, item := range doc.Document.Body.Items {
		switch it := item.(type) {
		case *docx.Paragraph:
			writeParagraph(&b, it)
		case *docx.Table:
			for _, row := range it.TableRows {
				for _, cell := range row.TableCells {
					for _, p := range cell.Paragraphs {
						writeParagraph(&b, p)
					}
				}
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// checkArchive rejects archives without a document body or whose entries
// declare more than limit bytes in total. Reads past a declared size fail in
// archive/zip, so the declared sizes bound the real expansion.
func checkArchive(data []byte, limit uint64) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	var total uint64
	found := false
	for _, f := range zr.File {
		total += f.UncompressedSize64
		if total > limit {
			return errDOCXTooLarge
		}
		if f.Name == docxBody {
			found = true
		}
	}
	if !found {
		return errors.New("missing " + docxBody)
	}
	return nil
}

func writeParagraph(b *strings.Builder, p *docx.Paragraph) {
	for _, child := range p.Children {
		switch c := child.(type) {
		case *docx.Run:
			writeRun(b, c)
		case *docx.Hyperlink:
			writeRun(b, &c.Run)
		}
	}
	b.WriteByte('\n')
}

func writeRun(b *strings.Builder, r *docx.Run) {
	for _, child := range r.Children {
		switch c := child.(type) {
		case *docx.Text:
			b.WriteString(c.Text)
		case *docx.Tab:
			b.WriteByte('\t')
		case *docx.BarterRabbet:
			b.WriteByte('\n')
		}
	}
}
