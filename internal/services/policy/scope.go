// -----------------------------------------------------------------------
// URL Policy - crawl scope matching
// -----------------------------------------------------------------------

package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ternarybob/trawl/internal/models"
)

// Verdict is the scope decision for a candidate URL.
type Verdict int

const (
	Allow Verdict = iota
	DenyExternal
	DenySubdomain
	DenyPath
	DenyBackward
	DenyDepth
)

// String names the verdict for logs and error listings.
func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case DenyExternal:
		return "deny_external"
	case DenySubdomain:
		return "deny_subdomain"
	case DenyPath:
		return "deny_path"
	case DenyBackward:
		return "deny_backward"
	case DenyDepth:
		return "deny_depth"
	}
	return "unknown"
}

// Allowed reports whether the verdict admits the URL.
func (v Verdict) Allowed() bool {
	return v == Allow
}

// Scope evaluates candidate URLs against a crawl's boundaries. Compiled
// once per crawl and safe for concurrent readers.
type Scope struct {
	seed       *url.URL
	seedHost   string
	seedDomain string
	seedBase   string
	seedSegs   int

	include []*regexp.Regexp
	exclude []*regexp.Regexp

	allowExternal  bool
	allowSubdomain bool
	allowBackward  bool
	regexOnFullURL bool

	// -1 means unbounded.
	maxDepth     int
	maxDiscovery int
}

// NewScope compiles the crawl boundaries for a seed URL. The seed should
// already be normalized.
func NewScope(seedURL string, opts models.CrawlerOptions) (*Scope, error) {
	seed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed url: %w", err)
	}
	if seed.Hostname() == "" {
		return nil, fmt.Errorf("seed url has no host: %s", seedURL)
	}

	s := &Scope{
		seed:           seed,
		seedHost:       stripWWW(seed.Hostname()),
		seedDomain:     registrableDomain(seed.Hostname()),
		seedSegs:       PathSegments(seed.Path),
		allowExternal:  opts.AllowExternalLinks,
		allowSubdomain: opts.AllowSubdomains,
		allowBackward:  opts.AllowBackwardLinks,
		regexOnFullURL: opts.RegexOnFullURL,
		maxDepth:       -1,
		maxDiscovery:   -1,
	}

	s.seedBase = seed.Path
	if !strings.HasSuffix(s.seedBase, "/") {
		s.seedBase += "/"
	}

	if opts.MaxDepth != nil {
		s.maxDepth = *opts.MaxDepth
	}
	if opts.MaxDiscoveryDepth != nil {
		s.maxDiscovery = *opts.MaxDiscoveryDepth
	}

	for _, pattern := range opts.IncludePaths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, models.NewBadRequestError("invalid include_paths pattern %q: %v", pattern, err)
		}
		s.include = append(s.include, re)
	}
	for _, pattern := range opts.ExcludePaths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, models.NewBadRequestError("invalid exclude_paths pattern %q: %v", pattern, err)
		}
		s.exclude = append(s.exclude, re)
	}

	return s, nil
}

// Depth returns the candidate's depth relative to the seed, counted in
// non-empty path segments beyond the seed's.
func (s *Scope) Depth(u *url.URL) int {
	d := PathSegments(u.Path) - s.seedSegs
	if d < 0 {
		return 0
	}
	return d
}

// Check applies the scope rules in fixed order and returns the first
// denial, or Allow. discoveryDepth counts link hops from the seed.
func (s *Scope) Check(rawURL string, discoveryDepth int) Verdict {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return DenyPath
	}

	host := stripWWW(u.Hostname())

	if !s.allowExternal && registrableDomain(u.Hostname()) != s.seedDomain {
		return DenyExternal
	}
	if !s.allowSubdomain && host != s.seedHost {
		return DenySubdomain
	}

	target := u.Path
	if s.regexOnFullURL {
		target = rawURL
	}
	if len(s.include) > 0 {
		matched := false
		for _, re := range s.include {
			if re.MatchString(target) {
				matched = true
				break
			}
		}
		if !matched {
			return DenyPath
		}
	}
	for _, re := range s.exclude {
		if re.MatchString(target) {
			return DenyPath
		}
	}

	if !s.allowBackward && !s.descendsFromSeed(u.Path) {
		return DenyBackward
	}

	if s.maxDepth >= 0 && s.Depth(u) > s.maxDepth {
		return DenyDepth
	}
	if s.maxDiscovery >= 0 && discoveryDepth > s.maxDiscovery {
		return DenyDepth
	}

	return Allow
}

func (s *Scope) descendsFromSeed(p string) bool {
	if p == s.seed.Path {
		return true
	}
	if p == "" {
		p = "/"
	}
	return strings.HasPrefix(p, s.seedBase)
}
