package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

const testPage = `<!DOCTYPE html>
<html lang="en">
<head>
<title>Widget Docs</title>
<meta name="description" content="All about widgets">
<meta property="og:title" content="Widgets (OG)">
</head>
<body>
<nav><a href="/pricing">Pricing</a></nav>
<main>
<h1>Widget Guide</h1>
<p>Widgets are <strong>great</strong>.</p>
<a href="/docs/install">Install</a>
<a href="https://other.example.net/ref">External</a>
<a href="mailto:hi@example.com">Mail</a>
<a href="#section">Anchor</a>
</main>
<footer>copyright</footer>
</body>
</html>`

func newTestFetcher(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.UserAgent == "" {
		opts.UserAgent = "trawlbot-test"
	}
	return NewService(nil, common.GetLogger(), opts)
}

func TestScrape_MarkdownLinksAndMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, testPage)
	}))
	defer srv.Close()

	svc := newTestFetcher(t, Options{})
	doc, err := svc.Scrape(context.Background(), srv.URL+"/guide", models.ScrapeOptions{
		Formats: []string{models.FormatMarkdown, models.FormatLinks, models.FormatHTML, models.FormatRawHTML},
	})
	require.NoError(t, err)

	assert.Contains(t, doc.Markdown, "Widget Guide")
	assert.Contains(t, doc.Markdown, "**great**")
	assert.NotContains(t, doc.Markdown, "Pricing", "nav boilerplate should not reach the markdown")

	assert.Contains(t, doc.Links, srv.URL+"/pricing", "links come from the full page")
	assert.Contains(t, doc.Links, srv.URL+"/docs/install")
	assert.Contains(t, doc.Links, "https://other.example.net/ref")
	for _, link := range doc.Links {
		assert.False(t, strings.HasPrefix(link, "mailto:"))
		assert.False(t, strings.Contains(link, "#"))
	}

	assert.Contains(t, doc.RawHTML, "<nav>")
	assert.NotContains(t, doc.HTML, "<nav>")

	assert.Equal(t, "Widget Docs", doc.Metadata.Title)
	assert.Equal(t, "All about widgets", doc.Metadata.Description)
	assert.Equal(t, "en", doc.Metadata.Language)
	assert.Equal(t, http.StatusOK, doc.Metadata.StatusCode)
	assert.Equal(t, srv.URL+"/guide", doc.Metadata.SourceURL)
}

func TestScrape_TitleFallsBackToOpenGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><meta property="og:title" content="OG Title"></head><body><p>x</p></body></html>`)
	}))
	defer srv.Close()

	svc := newTestFetcher(t, Options{})
	doc, err := svc.Scrape(context.Background(), srv.URL, models.ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "OG Title", doc.Metadata.Title)
}

func TestScrape_FollowsRedirectsToFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>landed</p></body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestFetcher(t, Options{})
	doc, err := svc.Scrape(context.Background(), srv.URL+"/start", models.ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/start", doc.Metadata.SourceURL)
	assert.Equal(t, srv.URL+"/end", doc.Metadata.URL)
}

func TestScrape_RedirectLoopFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestFetcher(t, Options{MaxRedirects: 3})
	_, err := svc.Scrape(context.Background(), srv.URL+"/loop", models.ScrapeOptions{})
	require.Error(t, err)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "redirects")
}

func TestScrape_ClassifiesStatusErrors(t *testing.T) {
	cases := []struct {
		status    int
		retriable bool
		code      models.ErrorCode
	}{
		{http.StatusNotFound, false, models.ErrCodeUpstream},
		{http.StatusServiceUnavailable, true, models.ErrCodeUpstream},
		{http.StatusTooManyRequests, true, models.ErrCodeRateLimited},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			svc := newTestFetcher(t, Options{})
			_, err := svc.Scrape(context.Background(), srv.URL, models.ScrapeOptions{})
			require.Error(t, err)
			var fe *models.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.status, fe.StatusCode)
			assert.Equal(t, tc.retriable, fe.Retriable)
			assert.Equal(t, tc.code, fe.Code)
		})
	}
}

func TestScrape_TimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, "<html><body>late</body></html>")
	}))
	defer srv.Close()

	svc := newTestFetcher(t, Options{})
	_, err := svc.Scrape(context.Background(), srv.URL, models.ScrapeOptions{Timeout: 50})
	require.Error(t, err)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, models.ErrCodeTimeout, fe.Code)
	assert.True(t, fe.Retriable)
}

func TestScrape_TruncatesOversizedBodies(t *testing.T) {
	big := "<html><body><p>" + strings.Repeat("x", 8192) + "</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, big)
	}))
	defer srv.Close()

	svc := newTestFetcher(t, Options{MaxBodyBytes: 1024})
	doc, err := svc.Scrape(context.Background(), srv.URL, models.ScrapeOptions{
		Formats: []string{models.FormatRawHTML},
	})
	require.NoError(t, err)
	assert.Len(t, doc.RawHTML, 1024)
}

func TestScrape_PerHostPoliteness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>ok</body></html>")
	}))
	defer srv.Close()

	svc := newTestFetcher(t, Options{RequestDelay: 100 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	_, err := svc.Scrape(ctx, srv.URL+"/a", models.ScrapeOptions{})
	require.NoError(t, err)
	_, err = svc.Scrape(ctx, srv.URL+"/b", models.ScrapeOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "same-host requests should be paced")
}

// ----------------------------------------------------------------------
// PDF path
// ----------------------------------------------------------------------

func buildPDF(t *testing.T, pages int) []byte {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 12)
	for i := 0; i < pages; i++ {
		doc.AddPage()
		doc.Cell(40, 10, fmt.Sprintf("Quarterly report page %d", i+1))
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func TestScrape_ParsesPDF(t *testing.T) {
	pdfBytes := buildPDF(t, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBytes)
	}))
	defer srv.Close()

	svc := newTestFetcher(t, Options{})
	doc, err := svc.Scrape(context.Background(), srv.URL+"/report.pdf", models.ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Metadata.NumPages)
	assert.NotEmpty(t, doc.Markdown)
}

func TestScrape_PDFSkippedWhenParsingDisabled(t *testing.T) {
	pdfBytes := buildPDF(t, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBytes)
	}))
	defer srv.Close()

	parse := false
	svc := newTestFetcher(t, Options{})
	doc, err := svc.Scrape(context.Background(), srv.URL, models.ScrapeOptions{ParsePDF: &parse})
	require.NoError(t, err)
	assert.Empty(t, doc.Markdown)
	assert.Equal(t, http.StatusOK, doc.Metadata.StatusCode)
}

func TestScrape_PDFOverTimeBudgetFailsFast(t *testing.T) {
	pdfBytes := buildPDF(t, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBytes)
	}))
	defer srv.Close()

	// 20 pages need a 2s budget estimate; 500ms cannot fit it.
	svc := newTestFetcher(t, Options{})
	_, err := svc.Scrape(context.Background(), srv.URL, models.ScrapeOptions{Timeout: 500})
	require.Error(t, err)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Retriable)
	assert.Contains(t, fe.Message, "Insufficient time to process PDF of 20 pages")
}

// ----------------------------------------------------------------------
// Render path
// ----------------------------------------------------------------------

func TestScrape_RenderPathProducesScreenshot(t *testing.T) {
	var got renderRequest
	render := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(RenderResult{
			HTML:       `<html><body><h1>Rendered App</h1></body></html>`,
			Screenshot: "aGVsbG8=",
			StatusCode: 200,
			URL:        got.URL,
		})
	}))
	defer render.Close()

	svc := NewService(NewRenderClient(render.URL, 5*time.Second, common.GetLogger()), common.GetLogger(), Options{UserAgent: "trawlbot-test"})
	doc, err := svc.Scrape(context.Background(), "https://app.example.com", models.ScrapeOptions{
		Formats:    []string{models.FormatMarkdown, models.FormatScreenshot},
		Screenshot: &models.ScreenshotOptions{FullPage: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com", got.URL)
	require.NotNil(t, got.Screenshot)
	assert.True(t, got.Screenshot.FullPage)

	assert.Contains(t, doc.Markdown, "Rendered App")
	assert.Equal(t, "aGVsbG8=", doc.Screenshot)
}

func TestScrape_RenderFailureIsClassified(t *testing.T) {
	render := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RenderResult{Error: "browser crashed"})
	}))
	defer render.Close()

	svc := NewService(NewRenderClient(render.URL, 5*time.Second, common.GetLogger()), common.GetLogger(), Options{UserAgent: "trawlbot-test"})
	_, err := svc.Scrape(context.Background(), "https://app.example.com", models.ScrapeOptions{WaitFor: 100, Timeout: 5000})
	require.Error(t, err)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Retriable)
	assert.Contains(t, fe.Message, "browser crashed")
}

func TestScrape_RenderUnconfiguredFails(t *testing.T) {
	svc := newTestFetcher(t, Options{})
	_, err := svc.Scrape(context.Background(), "https://app.example.com", models.ScrapeOptions{
		Formats: []string{models.FormatScreenshot},
	})
	require.Error(t, err)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Retriable)
	assert.Contains(t, fe.Message, "render")
}
