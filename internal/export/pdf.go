package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf/v2"

	"github.com/kingrea/shakescript/internal/story"
)

const (
	margin     = 20.0
	lineHeight = 7.0
	byline     = "by: shakescript AI"
)

// ErrNoEpisodes is returned for a story with nothing to print.
var ErrNoEpisodes = errors.New("export: story has no episodes")

// FileName is the PDF name for a story, e.g. "the-last-tide.pdf".
func FileName(title string) string {
	return story.Slug(title) + ".pdf"
}

// Render writes an A5 book: a centered title page, then one chapter per
// episode starting on its own page, with page numbers from page two.
func Render(w io.Writer, details story.Details) error {
	pdf, err := build(details)
	if err != nil {
		return err
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("export: write pdf: %w", err)
	}
	return nil
}

// WriteFile renders details into dir and returns the file path.
func WriteFile(dir string, details story.Details) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: ensure pdf directory: %w", err)
	}
	pdf, err := build(details)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(details.Title))
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("export: write pdf: %w", err)
	}
	return path, nil
}

func build(details story.Details) (*gofpdf.Fpdf, error) {
	if len(details.Episodes) == 0 {
		return nil, ErrNoEpisodes
	}
	episodes := append([]story.Episode(nil), details.Episodes...)
	story.SortEpisodes(episodes)

	pdf := gofpdf.New("P", "mm", "A5", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	title := strings.TrimSpace(details.Title)
	if title == "" {
		title = "Untitled story"
	}
	pdf.SetTitle(title, true)
	pdf.SetAuthor("shakescript AI", false)
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)

	pageW, pageH := pdf.GetPageSize()
	contentW := pageW - 2*margin

	pdf.SetFooterFunc(func() {
		if pdf.PageNo() < 2 {
			return
		}
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetXY(margin, pageH-margin)
		pdf.CellFormat(contentW, 5, strconv.Itoa(pdf.PageNo()), "", 0, "R", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 24)
	titleLines := pdf.SplitLines([]byte(tr(title)), contentW)
	y := pageH/2 - float64(len(titleLines))*10/2
	for _, line := range titleLines {
		pdf.SetXY(margin, y)
		pdf.CellFormat(contentW, 10, string(line), "", 0, "C", false, 0, "")
		y += 10
	}
	pdf.SetFont("Helvetica", "", 12)
	pdf.SetXY(margin, y+5)
	pdf.CellFormat(contentW, 10, byline, "", 0, "C", false, 0, "")

	for _, ep := range episodes {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 16)
		pdf.SetXY(margin, margin+5)
		heading := fmt.Sprintf("Chapter %d: %s", ep.Number, strings.TrimSpace(ep.Title))
		pdf.MultiCell(contentW, 8, tr(heading), "", "L", false)
		pdf.Ln(4)
		pdf.SetFont("Times", "", 12)
		for _, para := range strings.Split(strings.TrimSpace(ep.Content), "\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				pdf.Ln(lineHeight / 2)
				continue
			}
			pdf.MultiCell(contentW, lineHeight, tr(para), "", "L", false)
		}
	}
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("export: render pdf: %w", err)
	}
	return pdf, nil
}
