package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ternarybob/trawl/internal/models"
)

// pdfPageBudget is the per-page processing estimate used to decide whether
// a PDF fits in the unit's remaining timeout.
const pdfPageBudget = 100 * time.Millisecond

func pdfTempDir() string {
	dir := filepath.Join(os.TempDir(), "trawl-pdf")
	os.MkdirAll(dir, 0o755)
	return dir
}

// pdfDocument extracts text content from a fetched PDF. Page count is read
// first so oversized documents fail fast with a classified error instead of
// burning the whole timeout mid-extraction.
func (s *Service) pdfDocument(ctx context.Context, sourceURL, finalURL string, status int, contentType string, body []byte, deadline time.Time, opts models.ScrapeOptions) (*models.Document, error) {
	doc := &models.Document{
		Metadata: models.DocumentMetadata{
			SourceURL:   sourceURL,
			URL:         finalURL,
			StatusCode:  status,
			ContentType: contentType,
			ScrapedAt:   time.Now().UTC(),
		},
	}

	if opts.ParsePDF != nil && !*opts.ParsePDF {
		return doc, nil
	}

	tmp, err := os.CreateTemp(s.tempDir, "fetch-*.pdf")
	if err != nil {
		return nil, models.NewNetworkFetchError(sourceURL, fmt.Errorf("failed to stage pdf: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return nil, models.NewNetworkFetchError(sourceURL, fmt.Errorf("failed to stage pdf: %w", err))
	}
	tmp.Close()

	pdfCtx, err := api.ReadContextFile(tmpPath)
	if err != nil {
		return nil, &models.FetchError{
			URL:     sourceURL,
			Code:    models.ErrCodeUpstream,
			Message: "failed to parse pdf: " + err.Error(),
		}
	}
	pages := pdfCtx.PageCount
	doc.Metadata.NumPages = pages

	if remaining := time.Until(deadline); remaining < time.Duration(pages)*pdfPageBudget {
		return nil, models.NewInsufficientPDFTimeError(sourceURL, pages)
	}

	text, err := s.extractPDFText(tmpPath, pages)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", sourceURL).Msg("PDF text extraction failed")
		return nil, &models.FetchError{
			URL:     sourceURL,
			Code:    models.ErrCodeUpstream,
			Message: "failed to extract pdf text: " + err.Error(),
		}
	}
	if ctx.Err() != nil {
		return nil, models.NewTimeoutFetchError(sourceURL, "fetch exceeded timeout")
	}

	doc.Markdown = text
	return doc, nil
}

// extractPDFText dumps per-page content through pdfcpu and joins it in page
// order.
func (s *Service) extractPDFText(pdfPath string, pages int) (string, error) {
	outDir, err := os.MkdirTemp(s.tempDir, "pages-*")
	if err != nil {
		return "", fmt.Errorf("failed to create extraction dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(pdfPath, outDir, nil, conf); err != nil {
		return "", fmt.Errorf("failed to extract pdf content: %w", err)
	}

	pageTexts := make(map[int]string)
	entries, _ := os.ReadDir(outDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(entry.Name(), "Content_page_%d", &pageNum); err != nil {
			if _, err := fmt.Sscanf(entry.Name(), "page_%d", &pageNum); err != nil {
				continue
			}
		}
		content, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		pageTexts[pageNum] = string(content)
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= pages; pageNum++ {
		text, ok := pageTexts[pageNum]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString(fmt.Sprintf("\n\n--- Page %d ---\n\n", pageNum))
		}
		builder.WriteString(strings.TrimSpace(text))
	}
	return builder.String(), nil
}
