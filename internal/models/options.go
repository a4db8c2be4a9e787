// -----------------------------------------------------------------------
// Scrape and crawl options - validated request shapes
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Output format constants.
const (
	FormatMarkdown   = "markdown"
	FormatHTML       = "html"
	FormatRawHTML    = "raw_html"
	FormatLinks      = "links"
	FormatScreenshot = "screenshot"
	FormatJSON       = "json"
)

// Screenshot viewport bounds.
const (
	MaxViewportWidth  = 7680
	MaxViewportHeight = 4320
)

// DefaultScrapeTimeoutMS bounds a fetch when the client does not set one.
const DefaultScrapeTimeoutMS = 30000

var validFormats = map[string]bool{
	FormatMarkdown:   true,
	FormatHTML:       true,
	FormatRawHTML:    true,
	FormatLinks:      true,
	FormatScreenshot: true,
	FormatJSON:       true,
}

// Viewport is the screenshot viewport size in pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ScreenshotOptions configures screenshot capture by the render service.
type ScreenshotOptions struct {
	FullPage bool      `json:"full_page,omitempty"`
	Viewport *Viewport `json:"viewport,omitempty"`
}

// Location configures geo emulation for the fetch.
type Location struct {
	Country   string   `json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	Languages []string `json:"languages,omitempty"`
}

// Action is a single page interaction executed by the render service
// before capture. The action list is validated here and forwarded opaquely.
type Action struct {
	Type         string `json:"type" validate:"required,oneof=wait click write press scroll screenshot execute_javascript"`
	Selector     string `json:"selector,omitempty"`
	Milliseconds int    `json:"milliseconds,omitempty" validate:"gte=0"`
	Text         string `json:"text,omitempty"`
	Key          string `json:"key,omitempty"`
	Direction    string `json:"direction,omitempty" validate:"omitempty,oneof=up down"`
	Script       string `json:"script,omitempty"`
}

// ExtractOptions configures structured JSON extraction via the LLM provider.
type ExtractOptions struct {
	Schema       json.RawMessage `json:"schema,omitempty"`
	Prompt       string          `json:"prompt,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
}

// ScrapeOptions are the per-page extraction options. Zero-valued fields
// fall back to service defaults via ApplyDefaults.
type ScrapeOptions struct {
	Formats             []string           `json:"formats,omitempty"`
	OnlyMainContent     *bool              `json:"only_main_content,omitempty"`
	Headers             map[string]string  `json:"headers,omitempty"`
	WaitFor             int                `json:"wait_for,omitempty" validate:"gte=0"`
	Timeout             int                `json:"timeout,omitempty" validate:"gte=0"`
	Mobile              bool               `json:"mobile,omitempty"`
	SkipTLSVerification bool               `json:"skip_tls_verification,omitempty"`
	Proxy               string             `json:"proxy,omitempty" validate:"omitempty,oneof=basic stealth"`
	Location            *Location          `json:"location,omitempty"`
	MaxAge              int                `json:"max_age,omitempty" validate:"gte=0"`
	Screenshot          *ScreenshotOptions `json:"screenshot,omitempty"`
	Actions             []Action           `json:"actions,omitempty" validate:"omitempty,dive"`
	Extract             *ExtractOptions    `json:"extract,omitempty"`
	ParsePDF            *bool              `json:"parse_pdf,omitempty"`
}

// ApplyDefaults fills unset fields with service defaults.
func (o *ScrapeOptions) ApplyDefaults() {
	if len(o.Formats) == 0 {
		o.Formats = []string{FormatMarkdown}
	}
	if o.OnlyMainContent == nil {
		v := true
		o.OnlyMainContent = &v
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultScrapeTimeoutMS
	}
	if o.ParsePDF == nil {
		v := true
		o.ParsePDF = &v
	}
}

// TimeoutDuration returns the fetch timeout as a duration.
func (o *ScrapeOptions) TimeoutDuration() time.Duration {
	if o.Timeout <= 0 {
		return DefaultScrapeTimeoutMS * time.Millisecond
	}
	return time.Duration(o.Timeout) * time.Millisecond
}

// WantsFormat reports whether the given output format was requested.
func (o *ScrapeOptions) WantsFormat(format string) bool {
	for _, f := range o.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// NeedsRender reports whether the request requires the headless render
// service rather than a plain HTTP fetch.
func (o *ScrapeOptions) NeedsRender() bool {
	return o.WantsFormat(FormatScreenshot) || len(o.Actions) > 0 || o.WaitFor > 0
}

// Validate checks field constraints and cross-field rules.
func (o *ScrapeOptions) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		return NewBadRequestError("invalid scrape options: %v", err)
	}
	for _, f := range o.Formats {
		if !validFormats[f] {
			return NewBadRequestError("unknown format type: %q", f)
		}
	}
	if o.Timeout > 0 && o.WaitFor > o.Timeout/2 {
		return NewBadRequestError("wait_for must not exceed half the timeout (%dms)", o.Timeout/2)
	}
	if o.Screenshot != nil && o.Screenshot.Viewport != nil {
		vp := o.Screenshot.Viewport
		if vp.Width <= 0 || vp.Height <= 0 {
			return NewBadRequestError("screenshot viewport dimensions must be positive")
		}
		if vp.Width > MaxViewportWidth || vp.Height > MaxViewportHeight {
			return NewBadRequestError("screenshot viewport exceeds %dx%d", MaxViewportWidth, MaxViewportHeight)
		}
	}
	if o.Extract != nil && o.Extract.SystemPrompt != "" && len(o.Extract.Schema) > 0 {
		return NewBadRequestError("system_prompt is not allowed with schema extraction")
	}
	return nil
}

// CrawlerOptions control frontier exploration for a crawl.
type CrawlerOptions struct {
	IncludePaths           []string `json:"include_paths,omitempty"`
	ExcludePaths           []string `json:"exclude_paths,omitempty"`
	Limit                  int      `json:"limit,omitempty" validate:"gte=0"`
	MaxDepth               *int     `json:"max_depth,omitempty"`
	MaxDiscoveryDepth      *int     `json:"max_discovery_depth,omitempty"`
	AllowBackwardLinks     bool     `json:"allow_backward_links,omitempty"`
	AllowExternalLinks     bool     `json:"allow_external_links,omitempty"`
	AllowSubdomains        bool     `json:"allow_subdomains,omitempty"`
	IgnoreRobotsTxt        bool     `json:"ignore_robots_txt,omitempty"`
	IgnoreSitemap          bool     `json:"ignore_sitemap,omitempty"`
	DeduplicateSimilarURLs *bool    `json:"deduplicate_similar_urls,omitempty"`
	IgnoreQueryParameters  bool     `json:"ignore_query_parameters,omitempty"`
	RegexOnFullURL         bool     `json:"regex_on_full_url,omitempty"`
	DelayMS                int      `json:"delay_ms,omitempty" validate:"gte=0"`
}

// ApplyDefaults fills unset fields with service defaults. The caller
// supplies the configured default and maximum page limits.
func (o *CrawlerOptions) ApplyDefaults(defaultLimit, maxLimit int) {
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if maxLimit > 0 && o.Limit > maxLimit {
		o.Limit = maxLimit
	}
	if o.DeduplicateSimilarURLs == nil {
		v := true
		o.DeduplicateSimilarURLs = &v
	}
}

// Validate checks field constraints and compiles the path regexes.
func (o *CrawlerOptions) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		return NewBadRequestError("invalid crawler options: %v", err)
	}
	if o.MaxDepth != nil && *o.MaxDepth < 0 {
		return NewBadRequestError("max_depth must not be negative")
	}
	if o.MaxDiscoveryDepth != nil && *o.MaxDiscoveryDepth < 0 {
		return NewBadRequestError("max_discovery_depth must not be negative")
	}
	for _, p := range o.IncludePaths {
		if _, err := regexp.Compile(p); err != nil {
			return NewBadRequestError("invalid include_paths pattern %q: %v", p, err)
		}
	}
	for _, p := range o.ExcludePaths {
		if _, err := regexp.Compile(p); err != nil {
			return NewBadRequestError("invalid exclude_paths pattern %q: %v", p, err)
		}
	}
	return nil
}

// Delay returns the per-request politeness delay.
func (o *CrawlerOptions) Delay() time.Duration {
	return time.Duration(o.DelayMS) * time.Millisecond
}

// InternalOptions are service-side flags attached to a unit. They are never
// accepted from clients directly.
type InternalOptions struct {
	BypassBilling     bool `json:"bypass_billing,omitempty"`
	SaveToBlob        bool `json:"save_to_blob,omitempty"`
	ZeroDataRetention bool `json:"zero_data_retention,omitempty"`

	// PolitenessDelayMS carries the owning crawl's delay_ms to the worker.
	PolitenessDelayMS int `json:"politeness_delay_ms,omitempty"`
}

func (o *ScrapeOptions) String() string {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Sprintf("ScrapeOptions(marshal error: %v)", err)
	}
	return string(data)
}
