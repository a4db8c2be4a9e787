// -----------------------------------------------------------------------
// Fetcher - plain HTTP scraping with PDF and render-service paths
// -----------------------------------------------------------------------

package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/trawl/internal/models"
)

const (
	defaultMaxBodyBytes = 10 << 20
	defaultMaxRedirects = 10

	mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
)

// Options tunes fetch behavior.
type Options struct {
	UserAgent    string
	MaxBodyBytes int64
	MaxRedirects int

	// RequestDelay is the per-host politeness floor; zero disables it.
	// Crawl-level delay_ms is enforced by the worker on top of this.
	RequestDelay time.Duration
}

// Service fetches URLs and produces documents in the requested formats.
// Plain pages go through net/http; PDFs through the pdf path; anything
// needing a browser (screenshots, actions, wait_for) through the render
// service when one is configured.
type Service struct {
	client         *http.Client
	insecureClient *http.Client
	render         *RenderClient
	logger         arbor.ILogger
	opts           Options
	tempDir        string

	// hosts maps hostname -> *rate.Limiter for politeness pacing.
	hosts sync.Map
}

// NewService builds the fetcher. render may be nil; requests that need
// rendering then fail with a classified error.
func NewService(render *RenderClient, logger arbor.ILogger, opts Options) *Service {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if len(via) >= opts.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", opts.MaxRedirects)
		}
		return nil
	}
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &Service{
		client: &http.Client{CheckRedirect: redirectPolicy},
		insecureClient: &http.Client{
			CheckRedirect: redirectPolicy,
			Transport:     insecureTransport,
		},
		render:  render,
		logger:  logger,
		opts:    opts,
		tempDir: pdfTempDir(),
	}
}

// Scrape fetches the URL and produces the requested formats. The options'
// timeout bounds the whole operation including politeness waits and PDF
// processing.
func (s *Service) Scrape(ctx context.Context, rawURL string, opts models.ScrapeOptions) (*models.Document, error) {
	opts.ApplyDefaults()
	deadline := time.Now().Add(opts.TimeoutDuration())
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := s.politeWait(ctx, rawURL); err != nil {
		return nil, models.NewTimeoutFetchError(rawURL, "timed out waiting for politeness slot")
	}

	if opts.NeedsRender() {
		return s.renderScrape(ctx, rawURL, opts)
	}
	return s.httpScrape(ctx, rawURL, opts, deadline)
}

func (s *Service) httpScrape(ctx context.Context, rawURL string, opts models.ScrapeOptions, deadline time.Time) (*models.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &models.FetchError{
			URL:     rawURL,
			Code:    models.ErrCodeBadRequest,
			Message: fmt.Sprintf("invalid url: %v", err),
		}
	}
	s.setHeaders(req, opts)

	client := s.client
	if opts.SkipTLSVerification {
		client = s.insecureClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, models.NewFetchError(rawURL, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, truncated, err := readCapped(resp.Body, s.opts.MaxBodyBytes)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	if truncated {
		s.logger.Warn().
			Str("url", rawURL).
			Int64("cap_bytes", s.opts.MaxBodyBytes).
			Msg("Response body exceeded size cap, truncated")
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if isPDF(contentType, finalURL) {
		return s.pdfDocument(ctx, rawURL, finalURL, resp.StatusCode, contentType, body, deadline, opts)
	}
	return s.htmlDocument(rawURL, finalURL, resp.StatusCode, contentType, body, opts)
}

func (s *Service) renderScrape(ctx context.Context, rawURL string, opts models.ScrapeOptions) (*models.Document, error) {
	if s.render == nil {
		return nil, &models.FetchError{
			URL:     rawURL,
			Code:    models.ErrCodeBadRequest,
			Message: "request requires rendering but no render service is configured",
		}
	}
	rendered, err := s.render.Render(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	if rendered.StatusCode >= 400 {
		return nil, models.NewFetchError(rawURL, rendered.StatusCode, http.StatusText(rendered.StatusCode))
	}

	finalURL := rendered.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	status := rendered.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	doc, err := s.htmlDocument(rawURL, finalURL, status, "text/html", []byte(rendered.HTML), opts)
	if err != nil {
		return nil, err
	}
	if opts.WantsFormat(models.FormatScreenshot) {
		doc.Screenshot = rendered.Screenshot
	}
	return doc, nil
}

func (s *Service) setHeaders(req *http.Request, opts models.ScrapeOptions) {
	ua := s.opts.UserAgent
	if opts.Mobile {
		ua = mobileUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	if opts.Location != nil && len(opts.Location.Languages) > 0 {
		req.Header.Set("Accept-Language", strings.Join(opts.Location.Languages, ","))
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
}

// politeWait paces requests per host. The limiter map grows with distinct
// hosts; entries are trivially small and the process restarts reclaim it.
func (s *Service) politeWait(ctx context.Context, rawURL string) error {
	if s.opts.RequestDelay <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return nil
	}
	limiter, _ := s.hosts.LoadOrStore(parsed.Hostname(), rate.NewLimiter(rate.Every(s.opts.RequestDelay), 1))
	return limiter.(*rate.Limiter).Wait(ctx)
}

func classifyTransportError(rawURL string, err error) *models.FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutFetchError(rawURL, "fetch exceeded timeout")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return models.NewTimeoutFetchError(rawURL, "fetch exceeded timeout")
	}
	return models.NewNetworkFetchError(rawURL, err)
}

func readCapped(r io.Reader, max int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > max {
		return body[:max], true, nil
	}
	return body, false, nil
}

func isPDF(contentType, finalURL string) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	parsed, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(parsed.Path), ".pdf")
}
