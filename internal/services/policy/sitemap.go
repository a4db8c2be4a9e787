// -----------------------------------------------------------------------
// URL Policy - best-effort sitemap discovery
// -----------------------------------------------------------------------

package policy

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	sitemapMaxBytes  = 10 << 20
	sitemapMaxNested = 5
)

type sitemapURLSet struct {
	URLs []sitemapEntry `xml:"url"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

type sitemapIndex struct {
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

// SitemapFetcher discovers seed URLs from sitemaps. Every failure mode is
// non-fatal: the fetcher returns whatever it could collect.
type SitemapFetcher struct {
	client    *http.Client
	logger    arbor.ILogger
	userAgent string
	maxURLs   int
}

// NewSitemapFetcher creates a sitemap fetcher. maxURLs caps the collected
// list; 0 defaults to 5000.
func NewSitemapFetcher(logger arbor.ILogger, userAgent string, timeout time.Duration, maxURLs int) *SitemapFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxURLs <= 0 {
		maxURLs = 5000
	}
	return &SitemapFetcher{
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		userAgent: userAgent,
		maxURLs:   maxURLs,
	}
}

// Fetch collects URLs from the seed's sitemaps: locations declared in
// robots.txt first, falling back to /sitemap.xml at the origin. Returns an
// empty slice on any failure.
func (f *SitemapFetcher) Fetch(ctx context.Context, seedURL string, robotsBody string) []string {
	seed, err := url.Parse(seedURL)
	if err != nil || seed.Host == "" {
		return nil
	}

	locations := RobotsSitemaps(robotsBody)
	if len(locations) == 0 {
		locations = []string{fmt.Sprintf("%s://%s/sitemap.xml", seed.Scheme, seed.Host)}
	}

	seen := make(map[string]struct{})
	var collected []string
	for _, loc := range locations {
		collected = f.collect(ctx, loc, seen, collected, 0)
		if len(collected) >= f.maxURLs {
			break
		}
	}
	return collected
}

func (f *SitemapFetcher) collect(ctx context.Context, loc string, seen map[string]struct{}, acc []string, depth int) []string {
	if depth > sitemapMaxNested || len(acc) >= f.maxURLs {
		return acc
	}
	if _, dup := seen[loc]; dup {
		return acc
	}
	seen[loc] = struct{}{}

	body, err := f.get(ctx, loc)
	if err != nil {
		f.logger.Debug().Err(err).Str("sitemap", loc).Msg("Sitemap fetch failed")
		return acc
	}

	// A sitemap index nests further sitemaps; a urlset carries pages.
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		for _, sm := range index.Sitemaps {
			if child := strings.TrimSpace(sm.Loc); child != "" {
				acc = f.collect(ctx, child, seen, acc, depth+1)
				if len(acc) >= f.maxURLs {
					return acc
				}
			}
		}
		return acc
	}

	var urlset sitemapURLSet
	if err := xml.Unmarshal(body, &urlset); err != nil {
		f.logger.Debug().Err(err).Str("sitemap", loc).Msg("Sitemap parse failed")
		return acc
	}
	for _, entry := range urlset.URLs {
		u := strings.TrimSpace(entry.Loc)
		if u == "" {
			continue
		}
		if _, dup := seen["url:"+u]; dup {
			continue
		}
		seen["url:"+u] = struct{}{}
		acc = append(acc, u)
		if len(acc) >= f.maxURLs {
			return acc
		}
	}
	return acc
}

func (f *SitemapFetcher) get(ctx context.Context, loc string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, sitemapMaxBytes))
}
