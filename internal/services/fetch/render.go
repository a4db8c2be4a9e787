package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/models"
)

const defaultRenderTimeout = 45 * time.Second

// RenderClient talks to the external headless render service: a single POST
// endpoint that loads the page in a browser, runs the requested actions and
// returns the settled HTML plus an optional screenshot.
type RenderClient struct {
	url    string
	client *http.Client
	logger arbor.ILogger
}

// NewRenderClient builds the adapter. An empty url is allowed and yields a
// nil client, which disables rendering.
func NewRenderClient(url string, timeout time.Duration, logger arbor.ILogger) *RenderClient {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	return &RenderClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type renderRequest struct {
	URL                 string                    `json:"url"`
	WaitFor             int                       `json:"wait_for,omitempty"`
	Timeout             int                       `json:"timeout,omitempty"`
	Mobile              bool                      `json:"mobile,omitempty"`
	SkipTLSVerification bool                      `json:"skip_tls_verification,omitempty"`
	Headers             map[string]string         `json:"headers,omitempty"`
	Actions             []models.Action           `json:"actions,omitempty"`
	Screenshot          *models.ScreenshotOptions `json:"screenshot,omitempty"`
	Location            *models.Location          `json:"location,omitempty"`
}

// RenderResult is the render service's response shape.
type RenderResult struct {
	HTML       string `json:"html"`
	Screenshot string `json:"screenshot,omitempty"`
	StatusCode int    `json:"status_code"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Render loads the page through the render service.
func (c *RenderClient) Render(ctx context.Context, rawURL string, opts models.ScrapeOptions) (*RenderResult, error) {
	payload := renderRequest{
		URL:                 rawURL,
		WaitFor:             opts.WaitFor,
		Timeout:             opts.Timeout,
		Mobile:              opts.Mobile,
		SkipTLSVerification: opts.SkipTLSVerification,
		Headers:             opts.Headers,
		Actions:             opts.Actions,
		Location:            opts.Location,
	}
	if opts.WantsFormat(models.FormatScreenshot) {
		payload.Screenshot = opts.Screenshot
		if payload.Screenshot == nil {
			payload.Screenshot = &models.ScreenshotOptions{}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewNetworkFetchError(rawURL, fmt.Errorf("failed to encode render request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, models.NewNetworkFetchError(rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &models.FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Code:       models.ErrCodeUpstream,
			Message:    fmt.Sprintf("render service returned %d", resp.StatusCode),
			Retriable:  resp.StatusCode >= 500,
		}
	}

	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, models.NewNetworkFetchError(rawURL, fmt.Errorf("failed to decode render response: %w", err))
	}
	if result.Error != "" {
		return nil, &models.FetchError{
			URL:       rawURL,
			Code:      models.ErrCodeUpstream,
			Message:   "render failed: " + result.Error,
			Retriable: true,
		}
	}
	return &result, nil
}
